package models

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Item is the OPMS-side syncable unit. Code is the natural key shared with
// NetSuite (the adapter searches the remote system by it before writing).
type Item struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	Code                string          `gorm:"size:32;uniqueIndex;not null" json:"code" binding:"required"`
	Name                string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Description         string          `gorm:"type:text" json:"description"`
	Material            string          `gorm:"size:100" json:"material"`
	Finish              string          `gorm:"size:100" json:"finish"`
	VendorId            int             `gorm:"index;not null" json:"vendor_id" binding:"required"`
	ProductId           int             `gorm:"index" json:"product_id"`
	UnitPrice           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	ListPrice           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"list_price"`
	WeightKg            decimal.Decimal `gorm:"type:decimal(12,3);default:0" json:"weight_kg"`
	LengthCm            decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"length_cm"`
	WidthCm             decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"width_cm"`
	HeightCm            decimal.Decimal `gorm:"type:decimal(12,2);default:0" json:"height_cm"`
	ShelfLocation       string          `gorm:"size:50" json:"shelf_location"`
	InternalNotes       string          `gorm:"type:text" json:"internal_notes"`
	IsActive            *bool           `gorm:"not null;default:true" json:"is_active"`
	ReverseSyncExcluded *bool           `gorm:"not null;default:false" json:"reverse_sync_excluded"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// itemCodePattern is the expected natural-key format; items whose code does
// not match are skipped at transform time, never exported.
var itemCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,31}$`)

func ValidItemCode(code string) bool {
	return itemCodePattern.MatchString(code)
}

// itemSyncRelevantFields is the change-detector allow-list: an update that
// touches none of these is logged but never enqueued.
var itemSyncRelevantFields = []string{
	"Code", "Name", "Description", "Material", "Finish",
	"VendorId", "UnitPrice", "ListPrice",
	"WeightKg", "LengthCm", "WidthCm", "HeightCm",
	"IsActive",
}

type NewItem struct {
	Code          string          `json:"code" binding:"required,itemcode"`
	Name          string          `json:"name" binding:"required"`
	Description   string          `json:"description"`
	Material      string          `json:"material"`
	Finish        string          `json:"finish"`
	VendorId      int             `json:"vendor_id" binding:"required"`
	ProductId     int             `json:"product_id"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	ListPrice     decimal.Decimal `json:"list_price"`
	WeightKg      decimal.Decimal `json:"weight_kg"`
	LengthCm      decimal.Decimal `json:"length_cm"`
	WidthCm       decimal.Decimal `json:"width_cm"`
	HeightCm      decimal.Decimal `json:"height_cm"`
	ShelfLocation string          `json:"shelf_location"`
	InternalNotes string          `json:"internal_notes"`
}

// ItemUpdate is a partial update; nil fields are left untouched so the
// change detector sees only fields the caller actually changed.
type ItemUpdate struct {
	Name          *string          `json:"name"`
	Description   *string          `json:"description"`
	Material      *string          `json:"material"`
	Finish        *string          `json:"finish"`
	VendorId      *int             `json:"vendor_id"`
	UnitPrice     *decimal.Decimal `json:"unit_price"`
	ListPrice     *decimal.Decimal `json:"list_price"`
	WeightKg      *decimal.Decimal `json:"weight_kg"`
	LengthCm      *decimal.Decimal `json:"length_cm"`
	WidthCm       *decimal.Decimal `json:"width_cm"`
	HeightCm      *decimal.Decimal `json:"height_cm"`
	ShelfLocation *string          `json:"shelf_location"`
	InternalNotes *string          `json:"internal_notes"`
	IsActive      *bool            `json:"is_active"`
}

func (input *ItemUpdate) toUpdateMap() map[string]interface{} {
	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["Name"] = *input.Name
	}
	if input.Description != nil {
		updates["Description"] = *input.Description
	}
	if input.Material != nil {
		updates["Material"] = *input.Material
	}
	if input.Finish != nil {
		updates["Finish"] = *input.Finish
	}
	if input.VendorId != nil {
		updates["VendorId"] = *input.VendorId
	}
	if input.UnitPrice != nil {
		updates["UnitPrice"] = *input.UnitPrice
	}
	if input.ListPrice != nil {
		updates["ListPrice"] = *input.ListPrice
	}
	if input.WeightKg != nil {
		updates["WeightKg"] = *input.WeightKg
	}
	if input.LengthCm != nil {
		updates["LengthCm"] = *input.LengthCm
	}
	if input.WidthCm != nil {
		updates["WidthCm"] = *input.WidthCm
	}
	if input.HeightCm != nil {
		updates["HeightCm"] = *input.HeightCm
	}
	if input.ShelfLocation != nil {
		updates["ShelfLocation"] = *input.ShelfLocation
	}
	if input.InternalNotes != nil {
		updates["InternalNotes"] = *input.InternalNotes
	}
	if input.IsActive != nil {
		updates["IsActive"] = *input.IsActive
	}
	return updates
}

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {
	code := strings.TrimSpace(input.Code)
	if !ValidItemCode(code) {
		return nil, errors.New("item code must match " + itemCodePattern.String())
	}

	item := Item{
		Code:          code,
		Name:          strings.TrimSpace(input.Name),
		Description:   input.Description,
		Material:      input.Material,
		Finish:        input.Finish,
		VendorId:      input.VendorId,
		ProductId:     input.ProductId,
		UnitPrice:     input.UnitPrice,
		ListPrice:     input.ListPrice,
		WeightKg:      input.WeightKg,
		LengthCm:      input.LengthCm,
		WidthCm:       input.WidthCm,
		HeightCm:      input.HeightCm,
		ShelfLocation: input.ShelfLocation,
		InternalNotes: input.InternalNotes,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func UpdateItem(ctx context.Context, id int, input *ItemUpdate) (*Item, error) {
	db := config.GetDB()

	var item Item
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, err
	}

	updates := input.toUpdateMap()
	if len(updates) == 0 {
		return &item, nil
	}

	if err := db.WithContext(ctx).Model(&item).Updates(updates).Error; err != nil {
		return nil, err
	}

	if err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetItem(ctx context.Context, id int) (*Item, error) {
	db := config.GetDB()
	var item Item
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, gorm.ErrRecordNotFound
		}
		return nil, err
	}
	return &item, nil
}

func GetItemByCode(ctx context.Context, code string) (*Item, error) {
	db := config.GetDB()
	var item Item
	if err := db.WithContext(ctx).Where("code = ?", code).Take(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListActiveItemIds returns ids of every item eligible for a full-batch
// trigger. Eligibility beyond "active" is decided later by the transformer.
func ListActiveItemIds(ctx context.Context) ([]int, error) {
	db := config.GetDB()
	var ids []int
	if err := db.WithContext(ctx).
		Model(&Item{}).
		Where("is_active = 1").
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListActiveItemVendorIds returns the distinct vendor ids across active
// items, for preflight checks against the vendor mapping table.
func ListActiveItemVendorIds(ctx context.Context) ([]int, error) {
	db := config.GetDB()
	var ids []int
	if err := db.WithContext(ctx).
		Model(&Item{}).
		Where("is_active = 1").
		Distinct("vendor_id").
		Order("vendor_id").
		Pluck("vendor_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListItemIdsByProduct returns ids of all items under one product.
func ListItemIdsByProduct(ctx context.Context, productId int) ([]int, error) {
	db := config.GetDB()
	var ids []int
	if err := db.WithContext(ctx).
		Model(&Item{}).
		Where("product_id = ?", productId).
		Order("id").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
