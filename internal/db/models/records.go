package models

import (
	"time"

	"gorm.io/datatypes"
)

// VendorConflictKey is the natural key column every synced table is upserted on.
const VendorConflictKey = "vendor_id"

// SyncedRecord holds the columns shared by every table fed from the vendor.
// VendorID is the conflict key for upserts; ID is local and never sent upstream.
type SyncedRecord struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	VendorID        string         `gorm:"size:64;not null;uniqueIndex" json:"vendor_id"`
	CustomFields    datatypes.JSON `json:"custom_fields,omitempty"`
	RawPayload      datatypes.JSON `json:"raw_payload,omitempty"`
	VendorCreatedAt *time.Time     `json:"vendor_created_at,omitempty"`
	VendorUpdatedAt *time.Time     `json:"vendor_updated_at,omitempty"`
	LastSyncedAt    time.Time      `json:"last_synced_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ExternalID returns the vendor identifier used as the upsert key.
func (r SyncedRecord) ExternalID() string {
	return r.VendorID
}

// Contact is a person or company from the vendor address book.
type Contact struct {
	SyncedRecord
	Name        string `json:"name"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `gorm:"index" json:"email"`
	Phone       string `json:"phone"`
	ContactType string `gorm:"size:16" json:"contact_type"` // person | company
	Company     string `json:"company"`
	Title       string `json:"title"`
	Street      string `json:"street"`
	City        string `json:"city"`
	State       string `json:"state"`
	PostalCode  string `json:"postal_code"`
	Country     string `json:"country"`
	IsClient    bool   `json:"is_client"`

	VendorType         string `json:"vendor_type"`
	VendorPrimaryEmail string `json:"vendor_primary_email"`
	VendorPrimaryPhone string `json:"vendor_primary_phone"`
}

func (Contact) TableName() string { return "contacts" }

type ExchangeStatus string

const (
	ExchangeStatusOpen    ExchangeStatus = "open"
	ExchangeStatusPending ExchangeStatus = "pending"
	ExchangeStatusClosed  ExchangeStatus = "closed"
)

// Exchange is a 1031 exchange case, fed from a vendor matter.
type Exchange struct {
	SyncedRecord
	DisplayNumber               string         `gorm:"index" json:"display_number"`
	Description                 string         `gorm:"type:text" json:"description"`
	Status                      ExchangeStatus `gorm:"size:16;index" json:"status"`
	ClientVendorID              string         `gorm:"index" json:"client_vendor_id"`
	ClientName                  string         `json:"client_name"`
	ResponsibleAttorneyVendorID string         `json:"responsible_attorney_vendor_id"`
	ResponsibleAttorneyName     string         `json:"responsible_attorney_name"`
	PracticeArea                string         `json:"practice_area"`
	OpenDate                    *time.Time     `json:"open_date,omitempty"`
	CloseDate                   *time.Time     `json:"close_date,omitempty"`

	ExchangeType                string     `json:"exchange_type"`
	RelinquishedPropertyAddress string     `json:"relinquished_property_address"`
	RelinquishedSalePrice       *float64   `json:"relinquished_sale_price,omitempty"`
	RelinquishedClosingDate     *time.Time `json:"relinquished_closing_date,omitempty"`
	ReplacementPropertyAddress  string     `json:"replacement_property_address"`
	ReplacementPurchasePrice    *float64   `json:"replacement_purchase_price,omitempty"`
	IdentificationDeadline      *time.Time `json:"identification_deadline,omitempty"`
	ExchangeDeadline            *time.Time `json:"exchange_deadline,omitempty"`
	ExchangeValue               *float64   `json:"exchange_value,omitempty"`
	QualifiedIntermediary       string     `json:"qualified_intermediary"`

	VendorStatus        string `json:"vendor_status"`
	VendorDisplayNumber string `json:"vendor_display_number"`
	VendorBillable      bool   `json:"vendor_billable"`
}

func (Exchange) TableName() string { return "exchanges" }

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusCompleted  TaskStatus = "completed"
)

type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityNormal TaskPriority = "normal"
	TaskPriorityHigh   TaskPriority = "high"
)

type Task struct {
	SyncedRecord
	Name             string       `json:"name"`
	Description      string       `gorm:"type:text" json:"description"`
	Status           TaskStatus   `gorm:"size:16;index" json:"status"`
	Priority         TaskPriority `gorm:"size:16" json:"priority"`
	DueAt            *time.Time   `json:"due_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	ExchangeVendorID string       `gorm:"index" json:"exchange_vendor_id"`
	AssigneeVendorID string       `json:"assignee_vendor_id"`
	AssigneeName     string       `json:"assignee_name"`

	VendorStatus   string `json:"vendor_status"`
	VendorPriority string `json:"vendor_priority"`
}

func (Task) TableName() string { return "tasks" }

type Note struct {
	SyncedRecord
	Subject          string     `json:"subject"`
	Detail           string     `gorm:"type:text" json:"detail"`
	NoteType         string     `gorm:"size:16" json:"note_type"` // exchange | contact
	ExchangeVendorID string     `gorm:"index" json:"exchange_vendor_id"`
	ContactVendorID  string     `gorm:"index" json:"contact_vendor_id"`
	AuthorVendorID   string     `json:"author_vendor_id"`
	NoteDate         *time.Time `json:"note_date,omitempty"`

	VendorType string `json:"vendor_type"`
}

func (Note) TableName() string { return "notes" }

type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "draft"
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusVoid    InvoiceStatus = "void"
)

type Invoice struct {
	SyncedRecord
	Number           string        `gorm:"index" json:"number"`
	Status           InvoiceStatus `gorm:"size:16;index" json:"status"`
	IssuedAt         *time.Time    `json:"issued_at,omitempty"`
	DueAt            *time.Time    `json:"due_at,omitempty"`
	Total            *float64      `json:"total,omitempty"`
	Balance          *float64      `json:"balance,omitempty"`
	Currency         string        `gorm:"size:8" json:"currency"`
	ExchangeVendorID string        `gorm:"index" json:"exchange_vendor_id"`
	ClientVendorID   string        `json:"client_vendor_id"`

	VendorState string `json:"vendor_state"`
}

func (Invoice) TableName() string { return "invoices" }

type Expense struct {
	SyncedRecord
	Description      string     `gorm:"type:text" json:"description"`
	Quantity         *float64   `json:"quantity,omitempty"`
	Price            *float64   `json:"price,omitempty"`
	Total            *float64   `json:"total,omitempty"`
	ExpenseDate      *time.Time `json:"expense_date,omitempty"`
	Category         string     `json:"category"`
	Billed           bool       `json:"billed"`
	ExchangeVendorID string     `gorm:"index" json:"exchange_vendor_id"`
	UserVendorID     string     `json:"user_vendor_id"`

	VendorType string `json:"vendor_type"`
}

func (Expense) TableName() string { return "expenses" }

// StaffUser is a firm user (attorney, paralegal, admin) from the vendor.
type StaffUser struct {
	SyncedRecord
	Name      string   `json:"name"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Email     string   `gorm:"index" json:"email"`
	Role      string   `json:"role"`
	Enabled   bool     `json:"enabled"`
	Initials  string   `gorm:"size:8" json:"initials"`
	Rate      *float64 `json:"rate,omitempty"`
	Phone     string   `json:"phone"`

	VendorSubscriptionType string `json:"vendor_subscription_type"`
	VendorRoles            string `json:"vendor_roles"`
}

func (StaffUser) TableName() string { return "staff_users" }

// SyncedTables lists every model fed by the sync engine, for migrations and diagnostics.
func SyncedTables() []interface{} {
	return []interface{}{
		&Contact{}, &Exchange{}, &Task{}, &Note{}, &Invoice{}, &Expense{}, &StaffUser{},
	}
}
