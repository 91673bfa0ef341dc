package netsuitesync

import (
	"errors"
	"fmt"
)

// RemoteItemRecord is the NetSuite-side item payload. Field names follow
// the remote schema, including the custitem_ custom field prefix. The
// OpmsSyncMarker field is always "T" on records we write; the remote
// side's notification script filters on it to break the echo loop.
type RemoteItemRecord struct {
	ItemId           string `json:"itemid"`
	DisplayName      string `json:"displayname"`
	SalesDescription string `json:"salesdescription"`
	UnitPrice        string `json:"unitprice"`
	ListPrice        string `json:"listprice"`
	VendorId         string `json:"vendor,omitempty"`
	ParentId         string `json:"parent,omitempty"`
	IsInactive       bool   `json:"isinactive"`
	WeightKg         string `json:"custitem_opms_weight_kg,omitempty"`
	Material         string `json:"custitem_opms_material,omitempty"`
	Finish           string `json:"custitem_opms_finish,omitempty"`
	OpmsSyncMarker   string `json:"custitem_opms_sync"`
}

// RemoteProductRecord is the parent record item rows reference.
type RemoteProductRecord struct {
	Name           string `json:"name"`
	Line           string `json:"custrecord_opms_line,omitempty"`
	Description    string `json:"description,omitempty"`
	VendorId       string `json:"vendor,omitempty"`
	IsInactive     bool   `json:"isinactive"`
	OpmsSyncMarker string `json:"custrecord_opms_sync"`
}

// RemoteRecordRef is what search and write calls return: the remote
// internal id plus the natural key it was matched on.
type RemoteRecordRef struct {
	InternalId string `json:"internalid"`
	ItemId     string `json:"itemid"`
}

// WebhookPayload is the inbound notification NetSuite posts after a
// record changes remotely.
type WebhookPayload struct {
	RecordType   string            `json:"record_type"`
	InternalId   string            `json:"internal_id"`
	ItemId       string            `json:"itemid"`
	Origin       string            `json:"origin,omitempty"`
	Fields       map[string]string `json:"fields"`
	LastModified string            `json:"last_modified"`
	EventId      string            `json:"event_id,omitempty"`
}

// ErrAuth means the remote credentials are rejected. Retrying other jobs
// with the same credentials is pointless, so the worker halts claiming
// until the process restarts with fixed credentials.
var ErrAuth = errors.New("netsuite authentication rejected")

// ErrRemoteNotFound is returned by update calls when the target record
// disappeared between search and write. The adapter falls back to create.
var ErrRemoteNotFound = errors.New("netsuite record not found")

// permanentError marks failures no retry can fix (validation rejections,
// malformed payloads). The job goes terminal FAILED immediately.
type permanentError struct {
	msg string
}

func (e *permanentError) Error() string { return e.msg }

func permanentErrorf(format string, args ...interface{}) error {
	return &permanentError{msg: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether err should stop retries.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
