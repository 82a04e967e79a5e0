package parser

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"census/internal/org"
	"census/pkg/platform/sentinel"
)

func TestDetectAndDecode(t *testing.T) {
	utf16le := func(s string) []byte {
		buf := []byte{0xFF, 0xFE}
		for _, r := range s {
			buf = append(buf, byte(r), byte(r>>8))
		}
		return buf
	}

	tests := []struct {
		name     string
		input    []byte
		want     string
		encoding string
		wantErr  bool
	}{
		{name: "plain utf-8", input: []byte("a,b\n"), want: "a,b\n", encoding: "utf-8"},
		{name: "utf-8 bom stripped", input: append([]byte{0xEF, 0xBB, 0xBF}, []byte("a,b\n")...), want: "a,b\n", encoding: "utf-8-bom"},
		{name: "utf-16le", input: utf16le("a,b\n"), want: "a,b\n", encoding: "utf-16le"},
		{name: "iso-8859-1", input: []byte{'n', 0xE9, ',', 'x'}, want: "né,x", encoding: "iso-8859-1"},
		{name: "binary rejected", input: []byte{0x00, 0x01, 0x02, 0xFF}, wantErr: true},
		{name: "empty", input: nil, want: "", encoding: "utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, encoding, err := DetectAndDecode(tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, sentinel.ErrBadEncoding)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.encoding, encoding)
		})
	}
}

func TestDetectDelimiter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  rune
	}{
		{name: "comma", input: "a,b,c\n1,2,3\n", want: ','},
		{name: "semicolon", input: "a;b;c\n1;2;3\n", want: ';'},
		{name: "pipe", input: "a|b|c\n1|2|3\n", want: '|'},
		{name: "tab", input: "a\tb\tc\n1\t2\t3\n", want: '\t'},
		{name: "semicolon inside quoted comma field", input: "a;b\nx,y;z\nq,r;s\n", want: ';'},
		{name: "skips leading blank lines", input: "\n\na|b\n1|2\n", want: '|'},
		{name: "empty defaults to comma", input: "", want: ','},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectDelimiter([]byte(tt.input)))
		})
	}
}

func TestParseDateOfBirth(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{input: "1990-03-15", want: "1990-03-15"},
		{input: "03/15/1990", want: "1990-03-15"},
		{input: "15-03-1990", want: "1990-03-15"},
		{input: "3/15/1990", want: "1990-03-15"},
		// ambiguous day/month resolves ISO-first then US-first
		{input: "01/02/1990", want: "1990-01-02"},
		{input: "not-a-date", wantErr: true},
		{input: "", wantErr: true},
		{input: "1990-02-31", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDateOfBirth(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type ParserSuite struct {
	suite.Suite
	mapping org.HeaderMapping
}

func TestParserSuite(t *testing.T) {
	suite.Run(t, new(ParserSuite))
}

func (s *ParserSuite) SetupTest() {
	s.mapping = org.NewHeaderMapping([]org.HeaderAlias{
		{OrganizationID: 100, CanonicalHeader: "first_name", Alias: "employee_first_name"},
		{OrganizationID: 100, CanonicalHeader: "last_name", Alias: "employee_last_name"},
		{OrganizationID: 100, CanonicalHeader: "unique_corp_id", Alias: "corp_id"},
	})
}

func (s *ParserSuite) parseAll(raw string, opts Options) []Batch {
	var batches []Batch
	_, err := Parse([]byte(raw), opts, func(b Batch) bool {
		batches = append(batches, b)
		return true
	})
	s.Require().NoError(err)
	return batches
}

func (s *ParserSuite) TestNormalisesAliasedHeaders() {
	raw := "Employee_First_Name,employee_last_name,DOB,corp_id\n" +
		" Ada , Lovelace ,1990-03-15,E1\n"

	batches := s.parseAll(raw, Options{FileID: 1, OrganizationID: 100, Mapping: s.mapping})
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0].Valid, 1)

	m := batches[0].Valid[0]
	s.Equal("Ada", m.FirstName)
	s.Equal("Lovelace", m.LastName)
	s.Equal("1990-03-15", m.DateOfBirth)
	s.Equal("E1", m.UniqueCorpID)
	s.Equal("", m.DependentID)
	s.Equal(int64(100), m.OrganizationID)
	// unknown columns survive only in the raw record
	s.Equal("Ada", m.Record["employee_first_name"])
}

func (s *ParserSuite) TestWorkStateFallsBackToState() {
	raw := "corp_id,state\nE1,NY\n"
	batches := s.parseAll(raw, Options{OrganizationID: 100, Mapping: s.mapping})
	s.Equal("NY", batches[0].Valid[0].WorkState)

	raw = "corp_id,work_state,state\nE1,CA,NY\n"
	batches = s.parseAll(raw, Options{OrganizationID: 100, Mapping: s.mapping})
	s.Equal("CA", batches[0].Valid[0].WorkState)
}

func (s *ParserSuite) TestRowErrorsDoNotAbort() {
	raw := "corp_id,dob\n" +
		"E1,1990-03-15\n" +
		",1991-01-01\n" + // missing corp id
		"E3,31/31/1990\n" + // bad date
		"E4,1992-06-02\n"

	batches := s.parseAll(raw, Options{FileID: 7, OrganizationID: 100, Mapping: s.mapping})
	s.Require().Len(batches, 1)
	s.Len(batches[0].Valid, 2)
	s.Require().Len(batches[0].Errors, 2)
	s.Equal([]string{ErrKindInvalidRow}, batches[0].Errors[0].Errors)
	s.Equal(int64(7), batches[0].Errors[0].FileID)
}

func (s *ParserSuite) TestDataProviderRouting() {
	ids := org.ExternalIDMap{
		"A":      301,
		"B":      302,
		"A:west": 303,
	}
	raw := "corp_id,client_id,customer_id\n" +
		"E1,A,\n" +
		"E2,B,\n" +
		"E3,A,west\n" +
		"E4,C,\n"

	batches := s.parseAll(raw, Options{
		OrganizationID: 200,
		Mapping:        s.mapping,
		DataProvider:   true,
		ExternalIDs:    ids,
	})
	s.Require().Len(batches, 1)
	s.Require().Len(batches[0].Valid, 3)
	s.Equal(int64(301), batches[0].Valid[0].OrganizationID)
	s.Equal(int64(302), batches[0].Valid[1].OrganizationID)
	s.Equal(int64(303), batches[0].Valid[2].OrganizationID)
	s.Require().Len(batches[0].Errors, 1)
	s.Equal([]string{ErrKindClientIDNoMapping}, batches[0].Errors[0].Errors)
}

func (s *ParserSuite) TestBatchingFlushesAtThreshold() {
	var buf bytes.Buffer
	buf.WriteString("corp_id\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&buf, "E%d\n", i)
	}

	batches := s.parseAll(buf.String(), Options{OrganizationID: 100, Mapping: s.mapping, BatchSize: 10})
	s.Require().Len(batches, 3)
	s.Len(batches[0].Valid, 10)
	s.Len(batches[1].Valid, 10)
	s.Len(batches[2].Valid, 5)
}

func (s *ParserSuite) TestHashingStableAndOrderInsensitive() {
	raw := "corp_id,dob,work_state\nE1,1990-03-15,NY\n"
	first := s.parseAll(raw, Options{OrganizationID: 100, Mapping: s.mapping, Hashing: true})

	// same content, different column order
	reordered := "work_state,corp_id,dob\nNY,E1,1990-03-15\n"
	second := s.parseAll(reordered, Options{OrganizationID: 100, Mapping: s.mapping, Hashing: true})

	h1 := first[0].Valid[0].HashValue
	h2 := second[0].Valid[0].HashValue
	s.Require().NotNil(h1)
	s.Require().NotNil(h2)
	s.Equal(*h1, *h2)
	s.Equal(1, *first[0].Valid[0].HashVersion)

	// changed content, changed hash
	changed := s.parseAll("corp_id,dob,work_state\nE1,1990-03-15,CA\n",
		Options{OrganizationID: 100, Mapping: s.mapping, Hashing: true})
	s.NotEqual(*h1, *changed[0].Valid[0].HashValue)
}

func (s *ParserSuite) TestCustomAttributes() {
	raw := "corp_id,employment status\nE1,Part\n"
	batches := s.parseAll(raw, Options{
		OrganizationID:         100,
		Mapping:                s.mapping,
		CustomAttributeColumns: map[string]string{"employment status": "employment_status"},
	})
	s.Equal(map[string]any{"employment_status": "Part"}, batches[0].Valid[0].CustomAttributes)
}

func (s *ParserSuite) TestBadEncodingIsTerminal() {
	_, err := Parse([]byte{0x00, 0x01, 0x02}, Options{Mapping: s.mapping}, func(Batch) bool {
		s.Fail("no batches expected")
		return true
	})
	s.ErrorIs(err, sentinel.ErrBadEncoding)
}

func (s *ParserSuite) TestSkipsBlankRows() {
	raw := "corp_id\nE1\n\n   \nE2\n"
	batches := s.parseAll(raw, Options{OrganizationID: 100, Mapping: s.mapping})
	s.Len(batches[0].Valid, 2)
}
