package models

import (
	"context"
	"strings"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
)

// Product groups items into a family; it syncs to NetSuite as a parent
// record that item records reference.
type Product struct {
	ID          int       `gorm:"primary_key" json:"id"`
	Name        string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Line        string    `gorm:"size:100" json:"line"`
	Description string    `gorm:"type:text" json:"description"`
	VendorId    int       `gorm:"index" json:"vendor_id"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

var productSyncRelevantFields = []string{
	"Name", "Line", "Description", "VendorId", "IsActive",
}

// Vendor is the local supplier record. Remote identity lives in
// VendorMapping, never on the vendor row itself.
type Vendor struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name        string `json:"name" binding:"required"`
	Line        string `json:"line"`
	Description string `json:"description"`
	VendorId    int    `json:"vendor_id"`
}

type ProductUpdate struct {
	Name        *string `json:"name"`
	Line        *string `json:"line"`
	Description *string `json:"description"`
	VendorId    *int    `json:"vendor_id"`
	IsActive    *bool   `json:"is_active"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	product := Product{
		Name:        strings.TrimSpace(input.Name),
		Line:        input.Line,
		Description: input.Description,
		VendorId:    input.VendorId,
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func UpdateProduct(ctx context.Context, id int, input *ProductUpdate) (*Product, error) {
	db := config.GetDB()

	var product Product
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&product).Error; err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if input.Name != nil {
		updates["Name"] = *input.Name
	}
	if input.Line != nil {
		updates["Line"] = *input.Line
	}
	if input.Description != nil {
		updates["Description"] = *input.Description
	}
	if input.VendorId != nil {
		updates["VendorId"] = *input.VendorId
	}
	if input.IsActive != nil {
		updates["IsActive"] = *input.IsActive
	}
	if len(updates) == 0 {
		return &product, nil
	}

	if err := db.WithContext(ctx).Model(&product).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	db := config.GetDB()
	var product Product
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetVendor(ctx context.Context, id int) (*Vendor, error) {
	db := config.GetDB()
	var vendor Vendor
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&vendor).Error; err != nil {
		return nil, err
	}
	return &vendor, nil
}
