// Package parser turns raw census bytes into batches of normalised member
// rows plus row-level parse errors. Per-row failures never abort a file: the
// parser keeps yielding batches until EOF and reports errors alongside.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"census/internal/member"
	"census/internal/org"
	"census/pkg/platform/sentinel"
)

// DefaultBatchSize bounds the rows held in memory per batch.
const DefaultBatchSize = 10_000

// Error kind strings persisted with staging error rows. Closed vocabulary.
const (
	ErrKindInvalidRow        = "INVALID_ROW"
	ErrKindClientIDNoMapping = "CLIENT_ID_NO_MAPPING"
)

// ParseError is one row the parser could not normalise.
type ParseError struct {
	FileID         int64         `json:"file_id"`
	OrganizationID int64         `json:"organization_id"`
	Record         member.Record `json:"record"`
	Errors         []string      `json:"errors"`
	Warnings       []string      `json:"warnings,omitempty"`
}

// Batch is one parser emission: at most BatchSize valid rows and the errors
// collected while producing them.
type Batch struct {
	Valid  []member.Member
	Errors []ParseError
}

// Options configures a parse run.
type Options struct {
	// FileID and OrganizationID come from the file row being processed.
	FileID         int64
	OrganizationID int64
	// Mapping is the effective header mapping for the org.
	Mapping org.HeaderMapping
	// CustomAttributeColumns maps inbound columns into custom_attributes
	// keys, e.g. "employment status" -> "employment_status".
	CustomAttributeColumns map[string]string
	// DataProvider marks multi-org feeds routed by client_id.
	DataProvider bool
	// ExternalIDs routes data-provider rows to sub-orgs. Required when
	// DataProvider is set.
	ExternalIDs org.ExternalIDMap
	// Hashing enables content hashes on valid rows.
	Hashing bool
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int
}

// Parse runs the full pipeline over raw bytes and streams batches to yield.
// A false return from yield stops the run. The returned encoding name records
// what detection decided; on BAD_FILE_ENCODING the error wraps
// sentinel.ErrBadEncoding and no batches are yielded.
func Parse(raw []byte, opts Options, yield func(Batch) bool) (string, error) {
	decoded, encoding, err := DetectAndDecode(raw)
	if err != nil {
		return "", err
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	reader := csv.NewReader(strings.NewReader(string(decoded)))
	reader.Comma = DetectDelimiter(decoded)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return encoding, fmt.Errorf("file has no header row: %w", sentinel.ErrBadEncoding)
		}
		return encoding, fmt.Errorf("read header row: %w", err)
	}
	for i, h := range headers {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	batch := Batch{}
	flush := func() bool {
		if len(batch.Valid) == 0 && len(batch.Errors) == 0 {
			return true
		}
		ok := yield(batch)
		batch = Batch{}
		return ok
	}

	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			batch.Errors = append(batch.Errors, ParseError{
				FileID:         opts.FileID,
				OrganizationID: opts.OrganizationID,
				Record:         member.Record{},
				Errors:         []string{ErrKindInvalidRow},
				Warnings:       []string{err.Error()},
			})
			continue
		}

		record, warnings := recordFromRow(headers, row)
		if len(record) == 0 {
			continue
		}

		m, rowErrs := normalizeRow(headers, record, opts)
		if len(rowErrs) > 0 {
			batch.Errors = append(batch.Errors, ParseError{
				FileID:         opts.FileID,
				OrganizationID: opts.OrganizationID,
				Record:         record,
				Errors:         rowErrs,
				Warnings:       warnings,
			})
		} else {
			m.FileID = opts.FileID
			if opts.Hashing {
				h := RowHash(&m)
				v := member.HashVersionXX64
				m.HashValue = &h
				m.HashVersion = &v
			}
			batch.Valid = append(batch.Valid, m)
		}

		if len(batch.Valid)+len(batch.Errors) >= batchSize {
			if !flush() {
				return encoding, nil
			}
		}
	}

	flush()
	return encoding, nil
}

// recordFromRow maps a raw CSV row onto its headers, padding or truncating
// mismatched column counts and noting the repair as a warning.
func recordFromRow(headers, row []string) (member.Record, []string) {
	var warnings []string
	if len(row) != len(headers) {
		warnings = append(warnings, fmt.Sprintf("row has %d columns, expected %d", len(row), len(headers)))
		if len(row) < len(headers) {
			padded := make([]string, len(headers))
			copy(padded, row)
			row = padded
		} else {
			row = row[:len(headers)]
		}
	}

	record := make(member.Record, len(headers))
	empty := true
	for i, h := range headers {
		value := strings.TrimSpace(row[i])
		if h == "" {
			continue
		}
		record[h] = value
		if value != "" {
			empty = false
		}
	}
	if empty {
		return nil, nil
	}
	return record, warnings
}

// normalizeRow builds a canonical member from one raw record. Returned error
// kinds are from the closed vocabulary; an empty slice means the row is valid.
// Headers are walked in file order so the first non-empty value wins when two
// aliases collapse to one canonical name.
func normalizeRow(headers []string, record member.Record, opts Options) (member.Member, []string) {
	canonical := make(map[string]string, len(record))
	for _, inbound := range headers {
		name, ok := opts.Mapping.Canonical(inbound)
		if !ok {
			continue
		}
		if existing := canonical[name]; existing == "" {
			canonical[name] = record[inbound]
		}
	}

	var errs []string

	m := member.Member{
		OrganizationID:     opts.OrganizationID,
		UniqueCorpID:       canonical["unique_corp_id"],
		DependentID:        canonical["dependent_id"],
		FirstName:          canonical["first_name"],
		LastName:           canonical["last_name"],
		Email:              strings.ToLower(canonical["email"]),
		EmployerAssignedID: canonical["employer_assigned_id"],
		GenderCode:         canonical["gender_code"],
		DoNotContact:       canonical["do_not_contact"],
		Record:             record,
	}

	if m.UniqueCorpID == "" {
		errs = append(errs, ErrKindInvalidRow)
	}

	if dob := canonical["date_of_birth"]; dob != "" {
		normalised, err := ParseDateOfBirth(dob)
		if err != nil {
			errs = append(errs, ErrKindInvalidRow)
		} else {
			m.DateOfBirth = normalised
		}
	}

	// work_state falls back to the generic state column
	m.WorkState = canonical["work_state"]
	if m.WorkState == "" {
		m.WorkState = canonical["state"]
	}

	if len(opts.CustomAttributeColumns) > 0 {
		attrs := make(map[string]any)
		for inbound, attr := range opts.CustomAttributeColumns {
			if value, ok := record[strings.ToLower(inbound)]; ok && value != "" {
				attrs[attr] = value
			}
		}
		if len(attrs) > 0 {
			m.CustomAttributes = attrs
		}
	}

	if opts.DataProvider {
		clientID := record["client_id"]
		customerID := record["customer_id"]
		subOrg, ok := opts.ExternalIDs.Resolve(clientID, customerID)
		if !ok || clientID == "" {
			errs = append(errs, ErrKindClientIDNoMapping)
		} else {
			m.OrganizationID = subOrg
		}
	}

	return m, errs
}
