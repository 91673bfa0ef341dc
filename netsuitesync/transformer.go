package netsuitesync

import (
	"fmt"
	"strings"

	"github.com/mmdatafocus/opms_backend/models"
	"github.com/shopspring/decimal"
)

// The transformer is pure: entities and mappings in, remote payload or
// skip decision out. No DB, no clock, no network, so its behavior is
// fully table-testable.

// Skip is the transformer declining to export an entity. A skip completes
// the job; it is not a failure and consumes no retry budget.
type Skip struct {
	Reason string
	Detail string
}

func (s *Skip) Error() string {
	if s.Detail == "" {
		return s.Reason
	}
	return s.Reason + ": " + s.Detail
}

// OpmsSyncMarkerValue is stamped on every record we write so the remote
// notification script can tell our writes from human edits.
const OpmsSyncMarkerValue = "T"

// mappingActive reports whether a vendor mapping exists and has not been
// deactivated. A deactivated mapping counts as unmapped.
func mappingActive(mapping *models.VendorMapping) bool {
	if mapping == nil {
		return false
	}
	return mapping.Active == nil || *mapping.Active
}

// TransformItem builds the remote payload for one item.
//
// remoteId is the already-known NetSuite internal id ("" if never synced):
// an inactive item that exists remotely still exports (as inactive) so
// deactivation propagates, while an inactive item that was never exported
// is skipped outright.
func TransformItem(item *models.Item, mapping *models.VendorMapping, parentRemoteId string, remoteId string) (*RemoteItemRecord, *Skip) {
	if !models.ValidItemCode(item.Code) {
		return nil, &Skip{
			Reason: models.SkipReasonBadCode,
			Detail: fmt.Sprintf("code %q", item.Code),
		}
	}
	if strings.TrimSpace(item.Name) == "" {
		return nil, &Skip{
			Reason: models.SkipReasonMissingFields,
			Detail: "name is empty",
		}
	}
	if !mappingActive(mapping) {
		return nil, &Skip{
			Reason: models.SkipReasonVendorNotMapped,
			Detail: fmt.Sprintf("vendor %d", item.VendorId),
		}
	}
	active := item.IsActive == nil || *item.IsActive
	if !active && remoteId == "" {
		return nil, &Skip{
			Reason: models.SkipReasonInactive,
		}
	}

	record := RemoteItemRecord{
		ItemId:           item.Code,
		DisplayName:      strings.TrimSpace(item.Name),
		SalesDescription: renderSalesDescription(item),
		UnitPrice:        item.UnitPrice.StringFixed(2),
		ListPrice:        item.ListPrice.StringFixed(2),
		VendorId:         mapping.RemoteVendorId,
		ParentId:         parentRemoteId,
		IsInactive:       !active,
		Material:         item.Material,
		Finish:           item.Finish,
		OpmsSyncMarker:   OpmsSyncMarkerValue,
	}
	if item.WeightKg.IsPositive() {
		record.WeightKg = item.WeightKg.StringFixed(3)
	}
	return &record, nil
}

// descriptionLine is one segment of the generated sales description.
// Segments render in a fixed order so repeated transforms of the same
// item produce byte-identical output.
type descriptionLine struct {
	label  string
	render func(item *models.Item) string
}

var descriptionLines = []descriptionLine{
	{"Material", func(item *models.Item) string { return strings.TrimSpace(item.Material) }},
	{"Finish", func(item *models.Item) string { return strings.TrimSpace(item.Finish) }},
	{"Dimensions", renderDimensions},
	{"Weight", func(item *models.Item) string {
		if !item.WeightKg.IsPositive() {
			return ""
		}
		return item.WeightKg.StringFixed(3) + " kg"
	}},
}

const notSpecified = "not specified"

func renderSalesDescription(item *models.Item) string {
	parts := make([]string, 0, len(descriptionLines))
	for _, line := range descriptionLines {
		value := line.render(item)
		if value == "" {
			value = notSpecified
		}
		parts = append(parts, line.label+": "+value)
	}
	return strings.Join(parts, " | ")
}

func renderDimensions(item *models.Item) string {
	if !item.LengthCm.IsPositive() && !item.WidthCm.IsPositive() && !item.HeightCm.IsPositive() {
		return ""
	}
	return fmt.Sprintf("%s x %s x %s cm",
		dimOrZero(item.LengthCm), dimOrZero(item.WidthCm), dimOrZero(item.HeightCm))
}

func dimOrZero(d decimal.Decimal) string {
	if !d.IsPositive() {
		return "0"
	}
	return d.StringFixed(1)
}

// TransformProduct builds the remote parent record payload. Vendor
// mapping is optional for products; an unmapped vendor just omits the
// field instead of skipping the whole record.
func TransformProduct(product *models.Product, mapping *models.VendorMapping, remoteId string) (*RemoteProductRecord, *Skip) {
	if strings.TrimSpace(product.Name) == "" {
		return nil, &Skip{
			Reason: models.SkipReasonMissingFields,
			Detail: "name is empty",
		}
	}
	active := product.IsActive == nil || *product.IsActive
	if !active && remoteId == "" {
		return nil, &Skip{
			Reason: models.SkipReasonInactive,
		}
	}

	record := RemoteProductRecord{
		Name:           strings.TrimSpace(product.Name),
		Line:           product.Line,
		Description:    product.Description,
		IsInactive:     !active,
		OpmsSyncMarker: OpmsSyncMarkerValue,
	}
	if mappingActive(mapping) {
		record.VendorId = mapping.RemoteVendorId
	}
	return &record, nil
}
