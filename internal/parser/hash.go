package parser

import (
	"encoding/binary"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"census/internal/member"
)

// RowHash computes the stable 64-bit content hash of a normalised member row.
// The digest covers the canonical tuple in fixed order, each field
// length-prefixed so adjacent values cannot collide by concatenation. The
// scheme is identified by member.HashVersionXX64.
func RowHash(m *member.Member) int64 {
	d := xxhash.New()
	writeField(d, strconv.FormatInt(m.OrganizationID, 10))
	writeField(d, m.UniqueCorpID)
	writeField(d, m.DependentID)
	writeField(d, m.FirstName)
	writeField(d, m.LastName)
	writeField(d, m.Email)
	writeField(d, m.DateOfBirth)
	writeField(d, m.WorkState)
	record, err := m.Record.JSON()
	if err != nil {
		// Record came from map[string]string; marshal cannot fail.
		record = []byte("{}")
	}
	writeField(d, string(record))
	return int64(d.Sum64())
}

func writeField(d *xxhash.Digest, value string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(value)))
	d.Write(n[:])
	d.WriteString(value)
}
