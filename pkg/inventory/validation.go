package inventory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// 英数字、ハイフン、アンダースコアのみ許可
	idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// 英数字、ハイフン、アンダースコア、ドット、スラッシュのみ許可
	batchNumberPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)
	// 参照ID（注文IDなど）は英数字、ハイフン、アンダースコア、ドット、コロンのみ許可
	referenceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
	// ISO 4217形式（英大文字3桁）
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

	maxQuantity = decimal.NewFromInt(999999999)
)

// MaxDecimalPlaces is the scale of stored quantities and prices (NUMERIC(18,4))
// 数量・単価の保存桁数（小数点以下）
const MaxDecimalPlaces = 4

// ValidateID IDの形式をバリデーション
func ValidateID(field, id string) error {
	if id == "" {
		return NewValidationError(field, "IDが空です", id)
	}
	if len(id) > 255 {
		return NewValidationError(field, "IDが長すぎます", id)
	}
	if !idPattern.MatchString(id) {
		return NewValidationError(field, "IDに無効な文字が含まれています", id)
	}
	return nil
}

// ValidateQuantity 数量が正の値かつ有効範囲内かをバリデーション
func ValidateQuantity(field string, quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return NewValidationError(field, ErrNegativeQuantity.Error(), quantity.String())
	}
	if quantity.GreaterThan(maxQuantity) {
		return NewValidationError(field, "数量が有効範囲を超えています", quantity.String())
	}
	return ValidateScale(field, quantity)
}

// ValidateScale 小数点以下の桁数が保存可能な範囲かをバリデーション
func ValidateScale(field string, value decimal.Decimal) error {
	if !value.Equal(value.Truncate(MaxDecimalPlaces)) {
		return NewValidationError(field,
			fmt.Sprintf("小数点以下は%d桁までです", MaxDecimalPlaces), value.String())
	}
	return nil
}

// ValidateReferenceID 参照IDの形式をバリデーション（消費と取り消しで共通）
func ValidateReferenceID(referenceID string) error {
	if referenceID == "" {
		return NewValidationError("reference_id", "参照IDが空です", referenceID)
	}
	if len(referenceID) > 255 {
		return NewValidationError("reference_id", "参照IDが長すぎます", referenceID)
	}
	if !referenceIDPattern.MatchString(referenceID) {
		return NewValidationError("reference_id", "参照IDに無効な文字が含まれています", referenceID)
	}
	return nil
}

// ValidatePrice 単価をバリデーション
func ValidatePrice(field string, price decimal.Decimal) error {
	if price.IsNegative() {
		return NewValidationError(field, "単価は0以上である必要があります", price.String())
	}
	if price.GreaterThan(maxQuantity) {
		return NewValidationError(field, "単価が有効範囲を超えています", price.String())
	}
	return ValidateScale(field, price)
}

// ValidateBatchNumber バッチ番号の形式をバリデーション
func ValidateBatchNumber(batchNumber string) error {
	if batchNumber == "" {
		return NewValidationError("batch_number", "バッチ番号が空です", batchNumber)
	}
	if len(batchNumber) > 100 {
		return NewValidationError("batch_number", "バッチ番号が長すぎます", batchNumber)
	}
	if !batchNumberPattern.MatchString(batchNumber) {
		return NewValidationError("batch_number", "バッチ番号に無効な文字が含まれています", batchNumber)
	}
	return nil
}

// ValidateCurrency 通貨コードをバリデーション
func ValidateCurrency(currency string) error {
	if currency == "" {
		return nil // 未指定時は既定通貨
	}
	if !currencyPattern.MatchString(currency) {
		return NewValidationError("currency", "通貨コードはISO 4217形式である必要があります", currency)
	}
	return nil
}

// ValidateNotes 備考の長さをバリデーション
func ValidateNotes(notes string) error {
	if len(notes) > 2000 {
		return NewValidationError("notes", "備考が長すぎます", notes)
	}
	return nil
}

// ValidateReferenceType 参照種別をバリデーション
func ValidateReferenceType(referenceType ReferenceType) error {
	switch referenceType {
	case ReferenceTypeOrder, ReferenceTypeManual, ReferenceTypeSystem:
		return nil
	}
	return NewValidationError("reference_type", "無効な参照種別です", string(referenceType))
}

// ValidateBatchStatus ステータスをバリデーション
func ValidateBatchStatus(status BatchStatus) error {
	switch status {
	case BatchStatusActive, BatchStatusExpired, BatchStatusConsumed, BatchStatusDamaged:
		return nil
	}
	return NewValidationError("status", "無効なステータスです", string(status))
}

// ValidateRequirement 消費要求1行をバリデーション
func ValidateRequirement(req ConsumptionRequirement) error {
	if err := ValidateID("inventory_item_id", req.InventoryItemID); err != nil {
		return err
	}
	if err := ValidateQuantity("quantity", req.Quantity); err != nil {
		return err
	}
	if err := ValidateReferenceType(req.ReferenceType); err != nil {
		return err
	}
	// 注文起因の消費は取り消しのため参照IDが必須
	if req.ReferenceType == ReferenceTypeOrder || req.ReferenceID != "" {
		if err := ValidateReferenceID(req.ReferenceID); err != nil {
			return err
		}
	}
	return ValidateNotes(req.Notes)
}

// ValidateRequirements 消費要求全体をバリデーション
func ValidateRequirements(requirements []ConsumptionRequirement, maxLines int) error {
	if len(requirements) == 0 {
		return NewValidationError("requirements", "消費要求が空です", "[]")
	}
	if maxLines > 0 && len(requirements) > maxLines {
		return NewValidationError("requirements", "消費要求の行数が上限を超えています", fmt.Sprintf("%d", len(requirements)))
	}
	first := requirements[0]
	for i, req := range requirements {
		if err := ValidateRequirement(req); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Field = fmt.Sprintf("requirements[%d].%s", i, ve.Field)
			}
			return err
		}
		// 1回の消費は1つの参照に属する（取り消しは参照単位）
		if req.ReferenceType != first.ReferenceType || req.ReferenceID != first.ReferenceID {
			return NewValidationError(fmt.Sprintf("requirements[%d].reference_id", i),
				"1回の消費要求では参照種別と参照IDを統一する必要があります",
				fmt.Sprintf("%s/%s", req.ReferenceType, req.ReferenceID))
		}
	}
	return nil
}

// ValidateCreateBatchInput バッチ登録入力をバリデーション
func ValidateCreateBatchInput(input *CreateBatchInput) error {
	if input == nil {
		return NewValidationError("batch", "バッチが指定されていません", "nil")
	}
	if err := ValidateID("inventory_item_id", input.InventoryItemID); err != nil {
		return err
	}
	if input.RestaurantID != "" {
		if err := ValidateID("restaurant_id", input.RestaurantID); err != nil {
			return err
		}
	}
	if err := ValidateBatchNumber(input.BatchNumber); err != nil {
		return err
	}
	if err := ValidateQuantity("initial_quantity", input.InitialQuantity); err != nil {
		return err
	}
	if strings.TrimSpace(input.Unit) == "" {
		return NewValidationError("unit", "単位が空です", input.Unit)
	}
	if len(input.Unit) > 50 {
		return NewValidationError("unit", "単位が長すぎます", input.Unit)
	}
	if err := ValidatePrice("purchase_price", input.PurchasePrice); err != nil {
		return err
	}
	if err := ValidatePrice("selling_price", input.SellingPrice); err != nil {
		return err
	}
	if err := ValidateCurrency(input.Currency); err != nil {
		return err
	}
	if len(input.Supplier) > 255 {
		return NewValidationError("supplier", "仕入先が長すぎます", input.Supplier)
	}
	if len(input.LotNumber) > 255 {
		return NewValidationError("lot_number", "ロット番号が長すぎます", input.LotNumber)
	}
	if input.ManufacturingDate != nil && input.ExpiryDate != nil && input.ExpiryDate.Before(*input.ManufacturingDate) {
		return NewValidationError("expiry_date", "有効期限が製造日より前です", input.ExpiryDate.Format("2006-01-02"))
	}
	return ValidateNotes(input.Notes)
}

// ValidateUpdateBatchInput バッチ更新入力をバリデーション
func ValidateUpdateBatchInput(input *UpdateBatchInput) error {
	if input == nil {
		return NewValidationError("batch", "バッチが指定されていません", "nil")
	}
	if err := ValidateID("batch_id", input.BatchID); err != nil {
		return err
	}
	if input.Notes == nil && input.SellingPrice == nil && input.Status == nil {
		return NewValidationError("batch", "更新項目が指定されていません", input.BatchID)
	}
	if input.Notes != nil {
		if err := ValidateNotes(*input.Notes); err != nil {
			return err
		}
	}
	if input.SellingPrice != nil {
		if err := ValidatePrice("selling_price", *input.SellingPrice); err != nil {
			return err
		}
	}
	if input.Status != nil {
		if err := ValidateBatchStatus(*input.Status); err != nil {
			return err
		}
	}
	return nil
}
