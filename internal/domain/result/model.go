package result

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("result not found")

	// ErrMissingSearchParams is returned when a lookup has neither an order id nor a phone.
	ErrMissingSearchParams = errors.New("missing search parameters")
)

// ValidationError marks a request the caller must fix (the bad request class).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErr(msg string) error { return &ValidationError{Message: msg} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

const (
	msgMissingRequired   = "Missing required fields: orderId and patientName are required"
	msgMedicationsNeeded = "At least one medication is required"
	msgMedicationName    = "Every medication needs a name"
)

// Defaults applied to medication entries that leave an outcome field blank.
const (
	DefaultOutcome = "Отрицательный"
	DefaultIgE     = "< 0.35"
	DefaultLevel   = "отсутствует"
	DefaultClass   = "0"
)

// Medication is one tested drug and its outcome, stored in the medications JSONB column.
type Medication struct {
	Name   string `json:"name"`
	Result string `json:"result"`
	IgE    string `json:"igE"`
	Level  string `json:"level"`
	Class  string `json:"class"`
}

// Record maps to the results table. JSON tags are the raw column names,
// which is what the lookup endpoint returns.
type Record struct {
	ID               int64        `db:"id" json:"id"`
	OrderID          string       `db:"order_id" json:"order_id"`
	PatientName      string       `db:"patient_name" json:"patient_name"`
	Phone            *string      `db:"phone" json:"phone"`
	Date             *string      `db:"date" json:"date"`
	BirthDate        *string      `db:"birth_date" json:"birth_date"`
	IIN              *string      `db:"iin" json:"iin"`
	Gender           *string      `db:"gender" json:"gender"`
	Address          *string      `db:"address" json:"address"`
	Customer         *string      `db:"customer" json:"customer"`
	SampleDate       *string      `db:"sample_date" json:"sample_date"`
	RegistrationDate *string      `db:"registration_date" json:"registration_date"`
	Medications      []Medication `db:"medications" json:"medications"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// Text is a JSON string that also accepts numbers and booleans, since
// hand-edited payloads often carry class values like 0 instead of "0".
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = Text(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*t = Text(fmt.Sprintf("%t", b))
		return nil
	}
	return fmt.Errorf("expected a string, got %s", data)
}

// MedicationInput is a medication entry as submitted; every field is optional.
type MedicationInput struct {
	Name   Text `json:"name"`
	Result Text `json:"result"`
	IgE    Text `json:"igE"`
	Level  Text `json:"level"`
	Class  Text `json:"class"`
}

// IngestRequest is the POST /add-result payload.
type IngestRequest struct {
	OrderID          string          `json:"orderId"`
	PatientName      string          `json:"patientName"`
	Phone            string          `json:"phone"`
	Date             string          `json:"date"`
	BirthDate        string          `json:"birthDate"`
	IIN              string          `json:"iin"`
	Gender           string          `json:"gender"`
	Address          string          `json:"address"`
	Customer         string          `json:"customer"`
	SampleDate       string          `json:"sampleDate"`
	RegistrationDate string          `json:"registrationDate"`
	Medications      json.RawMessage `json:"medications"`
}

// ToRecord validates the request and builds the record to store. Optional
// fields that are absent or blank become NULL, the phone is normalized and
// medication defaults are filled in here so readers never have to.
func (r *IngestRequest) ToRecord() (*Record, error) {
	orderID := strings.TrimSpace(r.OrderID)
	patientName := strings.TrimSpace(r.PatientName)
	if orderID == "" || patientName == "" {
		return nil, validationErr(msgMissingRequired)
	}

	meds, err := parseMedications(r.Medications)
	if err != nil {
		return nil, err
	}

	return &Record{
		OrderID:          orderID,
		PatientName:      patientName,
		Phone:            optional(NormalizePhone(r.Phone)),
		Date:             optional(r.Date),
		BirthDate:        optional(r.BirthDate),
		IIN:              optional(r.IIN),
		Gender:           optional(r.Gender),
		Address:          optional(r.Address),
		Customer:         optional(r.Customer),
		SampleDate:       optional(r.SampleDate),
		RegistrationDate: optional(r.RegistrationDate),
		Medications:      meds,
	}, nil
}

func parseMedications(raw json.RawMessage) ([]Medication, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, validationErr(msgMedicationsNeeded)
	}

	var inputs []MedicationInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, validationErr(fmt.Sprintf("Invalid medications: %v", err))
	}
	if len(inputs) == 0 {
		return nil, validationErr(msgMedicationsNeeded)
	}

	meds := make([]Medication, 0, len(inputs))
	for _, in := range inputs {
		name := strings.TrimSpace(string(in.Name))
		if name == "" {
			return nil, validationErr(msgMedicationName)
		}
		meds = append(meds, in.toMedication())
	}
	return meds, nil
}

// toMedication trims every field and fills blank outcome fields with the
// negative defaults.
func (in MedicationInput) toMedication() Medication {
	return Medication{
		Name:   strings.TrimSpace(string(in.Name)),
		Result: orDefault(in.Result, DefaultOutcome),
		IgE:    orDefault(in.IgE, DefaultIgE),
		Level:  orDefault(in.Level, DefaultLevel),
		Class:  orDefault(in.Class, DefaultClass),
	}
}

// decodeStoredMedications reads the medications column. Rows written before
// ingestion was validated may hold numbers or booleans, or leave fields out.
func decodeStoredMedications(raw []byte) ([]Medication, error) {
	var inputs []MedicationInput
	if err := json.Unmarshal(raw, &inputs); err != nil {
		return nil, err
	}
	meds := make([]Medication, 0, len(inputs))
	for _, in := range inputs {
		meds = append(meds, in.toMedication())
	}
	return meds, nil
}

// NormalizePhone keeps only digits and '+' characters.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(t Text, def string) string {
	if s := strings.TrimSpace(string(t)); s != "" {
		return s
	}
	return def
}

// LookupMode names which matching rule a lookup used.
type LookupMode string

const (
	ModeOrderAndBirthDate LookupMode = "order_id+birth_date"
	ModeOrderOnly         LookupMode = "order_id"
	ModePhone             LookupMode = "phone"
)

// LookupQuery holds the GET /get-result search parameters.
type LookupQuery struct {
	OrderID   string
	BirthDate string
	Phone     string
}

// Normalize trims the order id and birth date and cleans the phone.
func (q LookupQuery) Normalize() LookupQuery {
	return LookupQuery{
		OrderID:   strings.TrimSpace(q.OrderID),
		BirthDate: strings.TrimSpace(q.BirthDate),
		Phone:     NormalizePhone(q.Phone),
	}
}

// Mode picks the matching rule. An order id always wins over a phone; a
// birth date without an order id is ignored.
func (q LookupQuery) Mode() (LookupMode, error) {
	q = q.Normalize()
	switch {
	case q.OrderID != "" && q.BirthDate != "":
		return ModeOrderAndBirthDate, nil
	case q.OrderID != "":
		return ModeOrderOnly, nil
	case q.Phone != "":
		return ModePhone, nil
	default:
		return "", ErrMissingSearchParams
	}
}
