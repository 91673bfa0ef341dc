package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/opms_backend/config"
	"gorm.io/gorm"
)

// VendorMapping links a local vendor to its NetSuite internal id. The
// transformer refuses to export an item whose vendor has no active
// mapping row; that is a skip, not a failure. Deactivating a mapping
// (Active false) pulls the vendor's items out of the export set without
// losing the mapping history.
type VendorMapping struct {
	ID             int       `gorm:"primary_key" json:"id"`
	LocalVendorId  int       `gorm:"uniqueIndex;not null" json:"local_vendor_id"`
	RemoteVendorId string    `gorm:"size:64;not null" json:"remote_vendor_id"`
	Method         string    `gorm:"size:20;not null;default:manual" json:"method"`
	Confidence     float64   `gorm:"default:1" json:"confidence"`
	MappedBy       string    `gorm:"size:100" json:"mapped_by"`
	Active         *bool     `gorm:"not null;default:true" json:"active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewVendorMapping struct {
	LocalVendorId  int    `json:"local_vendor_id" binding:"required"`
	RemoteVendorId string `json:"remote_vendor_id" binding:"required"`
	Method         string `json:"method"`
	MappedBy       string `json:"mapped_by"`
	Active         *bool  `json:"active"`
}

// GetVendorMapping returns nil (no error) when the vendor is unmapped or
// its mapping has been deactivated.
func GetVendorMapping(ctx context.Context, localVendorId int) (*VendorMapping, error) {
	db := config.GetDB()
	var mapping VendorMapping
	err := db.WithContext(ctx).Where("local_vendor_id = ? AND active = 1", localVendorId).Take(&mapping).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &mapping, nil
}

// GetVendorMappings loads active mappings for a set of vendors in one
// query, keyed by local vendor id. Unmapped and deactivated vendors are
// simply absent from the map.
func GetVendorMappings(ctx context.Context, localVendorIds []int) (map[int]VendorMapping, error) {
	result := map[int]VendorMapping{}
	if len(localVendorIds) == 0 {
		return result, nil
	}
	db := config.GetDB()
	var mappings []VendorMapping
	if err := db.WithContext(ctx).Where("local_vendor_id IN ? AND active = 1", localVendorIds).Find(&mappings).Error; err != nil {
		return nil, err
	}
	for _, m := range mappings {
		result[m.LocalVendorId] = m
	}
	return result, nil
}

func SaveVendorMapping(ctx context.Context, input *NewVendorMapping) (*VendorMapping, error) {
	method := input.Method
	if method == "" {
		method = VendorMappingMethodManual
	}

	db := config.GetDB()
	var mapping VendorMapping
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("local_vendor_id = ?", input.LocalVendorId).Take(&mapping).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			active := true
			if input.Active != nil {
				active = *input.Active
			}
			mapping = VendorMapping{
				LocalVendorId:  input.LocalVendorId,
				RemoteVendorId: input.RemoteVendorId,
				Method:         method,
				Confidence:     1,
				MappedBy:       input.MappedBy,
				Active:         &active,
			}
			return tx.Create(&mapping).Error
		}
		updates := map[string]interface{}{
			"RemoteVendorId": input.RemoteVendorId,
			"Method":         method,
			"MappedBy":       input.MappedBy,
		}
		if input.Active != nil {
			updates["Active"] = *input.Active
		}
		return tx.Model(&mapping).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}
