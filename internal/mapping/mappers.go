package mapping

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pysugar/exchange-sync/internal/db/models"
)

const (
	identificationPeriodDays = 45
	exchangePeriodDays       = 180
)

var exchangeStatuses = map[string]models.ExchangeStatus{
	"open":    models.ExchangeStatusOpen,
	"pending": models.ExchangeStatusPending,
	"closed":  models.ExchangeStatusClosed,
}

var taskStatuses = map[string]models.TaskStatus{
	"pending":     models.TaskStatusPending,
	"not_started": models.TaskStatusPending,
	"in_progress": models.TaskStatusInProgress,
	"in_review":   models.TaskStatusInReview,
	"complete":    models.TaskStatusCompleted,
	"completed":   models.TaskStatusCompleted,
	"done":        models.TaskStatusCompleted,
}

var taskPriorities = map[string]models.TaskPriority{
	"low":    models.TaskPriorityLow,
	"normal": models.TaskPriorityNormal,
	"medium": models.TaskPriorityNormal,
	"high":   models.TaskPriorityHigh,
	"urgent": models.TaskPriorityHigh,
}

var invoiceStatuses = map[string]models.InvoiceStatus{
	"draft":             models.InvoiceStatusDraft,
	"awaiting_approval": models.InvoiceStatusPending,
	"pending":           models.InvoiceStatusPending,
	"awaiting_payment":  models.InvoiceStatusSent,
	"sent":              models.InvoiceStatusSent,
	"paid":              models.InvoiceStatusPaid,
	"void":              models.InvoiceStatusVoid,
	"deleted":           models.InvoiceStatusVoid,
}

var noteTypes = map[string]string{
	"matter":  "exchange",
	"contact": "contact",
}

var contactTypes = map[string]string{
	"person":  "person",
	"company": "company",
}

// MapContact maps a vendor contact.
func MapContact(raw json.RawMessage, syncedAt time.Time) models.Contact {
	rec := decode(raw)
	custom := readCustomFields(rec)
	email := rec.primary("email_addresses")
	phone := rec.primary("phone_numbers")
	addr := rec.primary("addresses")

	c := models.Contact{
		SyncedRecord: base(rec, raw, custom, syncedAt),
		Name:         rec.str("name"),
		FirstName:    rec.str("first_name"),
		LastName:     rec.str("last_name"),
		Email:        rec.firstString([]string{"primary_email_address"}, []string{"email"}),
		Phone:        rec.firstString([]string{"primary_phone_number"}, []string{"phone"}),
		ContactType:  translate(contactTypes, rec.str("type"), "person"),
		Company:      rec.firstString([]string{"company", "name"}, []string{"company_name"}),
		Title:        rec.str("title"),
		Street:       addr.str("street"),
		City:         addr.str("city"),
		State:        addr.firstString([]string{"province"}, []string{"state"}),
		PostalCode:   addr.str("postal_code"),
		Country:      addr.str("country"),
		IsClient:     rec.boolean("is_client"),

		VendorType:         rec.str("type"),
		VendorPrimaryEmail: rec.str("primary_email_address"),
		VendorPrimaryPhone: rec.str("primary_phone_number"),
	}
	if c.Email == "" {
		c.Email = email.str("address")
	}
	if c.Phone == "" {
		c.Phone = phone.str("number")
	}
	if c.Name == "" {
		c.Name = strings.TrimSpace(c.FirstName + " " + c.LastName)
	}
	return c
}

// MapMatter maps a vendor matter onto a 1031 exchange. Missing identification
// and exchange deadlines are derived from the relinquished closing date.
func MapMatter(raw json.RawMessage, syncedAt time.Time) models.Exchange {
	rec := decode(raw)
	custom := readCustomFields(rec)

	e := models.Exchange{
		SyncedRecord:                base(rec, raw, custom, syncedAt),
		DisplayNumber:               rec.str("display_number"),
		Description:                 rec.str("description"),
		Status:                      translate(exchangeStatuses, rec.str("status"), models.ExchangeStatusPending),
		ClientVendorID:              rec.str("client", "id"),
		ClientName:                  rec.str("client", "name"),
		ResponsibleAttorneyVendorID: rec.str("responsible_attorney", "id"),
		ResponsibleAttorneyName:     rec.str("responsible_attorney", "name"),
		PracticeArea:                rec.firstString([]string{"practice_area", "name"}, []string{"practice_area"}),
		OpenDate:                    rec.date("open_date"),
		CloseDate:                   rec.date("close_date"),

		ExchangeType:                custom.str("exchange_type"),
		RelinquishedPropertyAddress: custom.str("relinquished_property_address"),
		RelinquishedSalePrice:       custom.amount("relinquished_sale_price"),
		RelinquishedClosingDate:     custom.date("relinquished_closing_date"),
		ReplacementPropertyAddress:  custom.str("replacement_property_address"),
		ReplacementPurchasePrice:    custom.amount("replacement_purchase_price"),
		IdentificationDeadline:      custom.date("identification_deadline"),
		ExchangeDeadline:            custom.date("exchange_deadline"),
		ExchangeValue:               custom.amount("exchange_value"),
		QualifiedIntermediary:       custom.str("qualified_intermediary"),

		VendorStatus:        rec.str("status"),
		VendorDisplayNumber: rec.str("display_number"),
		VendorBillable:      rec.boolean("billable"),
	}
	if e.IdentificationDeadline == nil {
		e.IdentificationDeadline = addDays(e.RelinquishedClosingDate, identificationPeriodDays)
	}
	if e.ExchangeDeadline == nil {
		e.ExchangeDeadline = addDays(e.RelinquishedClosingDate, exchangePeriodDays)
	}
	return e
}

// MapTask maps a vendor task.
func MapTask(raw json.RawMessage, syncedAt time.Time) models.Task {
	rec := decode(raw)
	custom := readCustomFields(rec)

	return models.Task{
		SyncedRecord:     base(rec, raw, custom, syncedAt),
		Name:             rec.str("name"),
		Description:      rec.str("description"),
		Status:           translate(taskStatuses, rec.str("status"), models.TaskStatusPending),
		Priority:         translate(taskPriorities, rec.str("priority"), models.TaskPriorityNormal),
		DueAt:            rec.date("due_at"),
		CompletedAt:      rec.date("completed_at"),
		ExchangeVendorID: rec.str("matter", "id"),
		AssigneeVendorID: rec.str("assignee", "id"),
		AssigneeName:     rec.str("assignee", "name"),

		VendorStatus:   rec.str("status"),
		VendorPriority: rec.str("priority"),
	}
}

// MapNote maps a vendor note attached to a matter or a contact.
func MapNote(raw json.RawMessage, syncedAt time.Time) models.Note {
	rec := decode(raw)
	custom := readCustomFields(rec)

	return models.Note{
		SyncedRecord:     base(rec, raw, custom, syncedAt),
		Subject:          rec.str("subject"),
		Detail:           rec.str("detail"),
		NoteType:         translate(noteTypes, rec.str("type"), "exchange"),
		ExchangeVendorID: rec.str("matter", "id"),
		ContactVendorID:  rec.str("contact", "id"),
		AuthorVendorID:   rec.str("author", "id"),
		NoteDate:         rec.date("date"),

		VendorType: rec.str("type"),
	}
}

// MapBill maps a vendor bill onto an invoice.
func MapBill(raw json.RawMessage, syncedAt time.Time) models.Invoice {
	rec := decode(raw)
	custom := readCustomFields(rec)

	inv := models.Invoice{
		SyncedRecord:     base(rec, raw, custom, syncedAt),
		Number:           rec.str("number"),
		Status:           translate(invoiceStatuses, rec.str("state"), models.InvoiceStatusDraft),
		IssuedAt:         rec.date("issued_at"),
		DueAt:            rec.date("due_at"),
		Total:            rec.amount("total"),
		Balance:          rec.amount("balance"),
		Currency:         strings.ToUpper(rec.firstString([]string{"currency", "code"}, []string{"currency"})),
		ExchangeVendorID: rec.str("matter", "id"),
		ClientVendorID:   rec.str("client", "id"),

		VendorState: rec.str("state"),
	}
	if inv.ExchangeVendorID == "" {
		if matters := rec.objects("matters"); len(matters) > 0 {
			inv.ExchangeVendorID = matters[0].str("id")
		}
	}
	return inv
}

// MapExpense maps a vendor expense activity.
func MapExpense(raw json.RawMessage, syncedAt time.Time) models.Expense {
	rec := decode(raw)
	custom := readCustomFields(rec)

	return models.Expense{
		SyncedRecord:     base(rec, raw, custom, syncedAt),
		Description:      rec.firstString([]string{"note"}, []string{"description"}),
		Quantity:         rec.amount("quantity"),
		Price:            rec.amount("price"),
		Total:            rec.amount("total"),
		ExpenseDate:      rec.date("date"),
		Category:         rec.firstString([]string{"expense_category", "name"}, []string{"category"}),
		Billed:           rec.boolean("billed"),
		ExchangeVendorID: rec.str("matter", "id"),
		UserVendorID:     rec.str("user", "id"),

		VendorType: rec.str("type"),
	}
}

// MapUser maps a vendor firm user onto a staff user.
func MapUser(raw json.RawMessage, syncedAt time.Time) models.StaffUser {
	rec := decode(raw)
	custom := readCustomFields(rec)

	roles := make([]string, 0)
	for _, r := range rec.list("roles") {
		if s := scalarString(r); s != "" {
			roles = append(roles, s)
		}
	}

	u := models.StaffUser{
		SyncedRecord: base(rec, raw, custom, syncedAt),
		Name:         rec.str("name"),
		FirstName:    rec.str("first_name"),
		LastName:     rec.str("last_name"),
		Email:        rec.str("email"),
		Role:         rec.str("subscription_type"),
		Enabled:      rec.boolean("enabled"),
		Initials:     rec.str("initials"),
		Rate:         rec.amount("rate"),
		Phone:        rec.firstString([]string{"phone_number"}, []string{"phone"}),

		VendorSubscriptionType: rec.str("subscription_type"),
		VendorRoles:            strings.Join(roles, ","),
	}
	if len(roles) > 0 {
		u.Role = roles[0]
	}
	if u.Name == "" {
		u.Name = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
	return u
}
