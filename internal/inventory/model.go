// Package inventory is the boundary to the asset-management side of the
// application: the records that snapshots summarize and whose mutations are
// recorded in the audit ledger.
package inventory

import (
	"errors"
	"time"
)

const (
	AssetAvailable   = "available"
	AssetCheckedOut  = "checked_out"
	AssetInRepair    = "in_repair"
	RepairOpen       = "open"
	RepairInProgress = "in_progress"
	RepairClosed     = "closed"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrAssetAlreadyCheckedOut = errors.New("asset already has an open checkout")
	ErrRepairAlreadyOpen      = errors.New("asset already has an open repair ticket")
)

type User struct {
	ID                 int64     `json:"id"`
	Email              string    `json:"email"`
	Name               string    `json:"name"`
	Role               string    `json:"role"`
	AssetTag           string    `json:"assetTag,omitempty"`
	GradeLevel         string    `json:"gradeLevel,omitempty"`
	RepeatBreakageFlag bool      `json:"repeatBreakageFlag"`
	CreatedAt          time.Time `json:"createdAt"`
}

type Asset struct {
	ID                 int64     `json:"id"`
	AssetTag           string    `json:"assetTag"`
	Name               string    `json:"name"`
	Category           string    `json:"category"`
	Type               string    `json:"type"`
	SerialNumber       string    `json:"serialNumber,omitempty"`
	Status             string    `json:"status"`
	Location           string    `json:"location,omitempty"`
	PurchaseDate       string    `json:"purchaseDate,omitempty"` // YYYY-MM-DD
	PurchaseCost       *float64  `json:"purchaseCost,omitempty"`
	Condition          string    `json:"condition"`
	RepeatBreakageFlag bool      `json:"repeatBreakageFlag"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Checkout assigns an asset to a person. CheckedOutTo is free text as typed
// by staff; CheckedOutBy is the staff user.
type Checkout struct {
	ID                 int64      `json:"id"`
	AssetID            int64      `json:"assetId"`
	CheckedOutTo       string     `json:"checkedOutTo"`
	CheckedOutBy       int64      `json:"checkedOutBy"`
	CheckoutDate       time.Time  `json:"checkoutDate"`
	ExpectedReturnDate *time.Time `json:"expectedReturnDate,omitempty"`
	CheckedInDate      *time.Time `json:"checkedInDate,omitempty"`
	CheckinCondition   string     `json:"checkinCondition,omitempty"`
	CheckinNotes       string     `json:"checkinNotes,omitempty"`
}

type RepairTicket struct {
	ID        int64     `json:"id"`
	AssetID   int64     `json:"assetId"`
	Status    string    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
