package lds

import (
	"strings"

	"github.com/moov-io/bertlv"
	"github.com/pkg/errors"

	"github.com/barnettlynn/mrtdtools/pkg/mrtd"
)

// Format is the MRZ layout. The numeric values match the ICAO document
// size designators.
type Format int

const (
	FormatUnknown Format = 0
	FormatTD1     Format = 1 // 3 lines of 30, ID cards
	FormatTD2     Format = 2 // 2 lines of 36
	FormatTD3     Format = 3 // 2 lines of 44, passports
)

func (f Format) String() string {
	switch f {
	case FormatTD1:
		return "TD1"
	case FormatTD2:
		return "TD2"
	case FormatTD3:
		return "TD3"
	default:
		return "unknown"
	}
}

// Gender as printed in the MRZ.
type Gender string

const (
	GenderMale        Gender = "MALE"
	GenderFemale      Gender = "FEMALE"
	GenderUnspecified Gender = "UNSPECIFIED"
	GenderUnknown     Gender = "UNKNOWN"
)

func parseGender(c byte) Gender {
	switch c {
	case 'M':
		return GenderMale
	case 'F':
		return GenderFemale
	case '<', 'X':
		return GenderUnspecified
	default:
		return GenderUnknown
	}
}

// MRZInfo is the decoded machine readable zone from DG1. Text fields have
// fillers removed; dates stay YYMMDD.
type MRZInfo struct {
	Format              Format
	DocumentCode        string
	IssuingState        string
	DocumentNumber      string
	PrimaryIdentifier   string
	SecondaryIdentifier []string
	Nationality         string
	DateOfBirth         string
	Gender              Gender
	DateOfExpiry        string
	PersonalNumber      string
	OptionalData2       string

	// raw check digits, for Valid
	docNumberCheck byte
	birthCheck     byte
	expiryCheck    byte
	docNumberField string
	raw            string
}

const (
	tagDG1 = "61"
	tagMRZ = "5F1F"
)

// ParseDG1 decodes EF.DG1 (tag 61 wrapping the MRZ in 5F1F).
func ParseDG1(data []byte) (*MRZInfo, error) {
	tlvs, err := bertlv.Decode(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode DG1")
	}
	if len(tlvs) == 0 || !strings.EqualFold(tlvs[0].Tag, tagDG1) {
		return nil, errors.New("DG1: missing tag 61")
	}
	for _, t := range tlvs[0].TLVs {
		if strings.EqualFold(t.Tag, tagMRZ) {
			return ParseMRZ(string(t.Value))
		}
	}
	return nil, errors.New("DG1: missing MRZ data object 5F1F")
}

// ParseMRZ decodes the concatenated MRZ lines of a TD1, TD2 or TD3 document.
func ParseMRZ(mrz string) (*MRZInfo, error) {
	mrz = strings.NewReplacer("\n", "", "\r", "").Replace(mrz)
	switch len(mrz) {
	case 90:
		return parseTD1(mrz), nil
	case 72:
		return parseTD23(mrz, FormatTD2, 36), nil
	case 88:
		return parseTD23(mrz, FormatTD3, 44), nil
	default:
		return nil, errors.Errorf("MRZ length %d matches no document format", len(mrz))
	}
}

func parseTD1(mrz string) *MRZInfo {
	l1, l2, l3 := mrz[0:30], mrz[30:60], mrz[60:90]
	m := &MRZInfo{
		Format:         FormatTD1,
		DocumentCode:   trimFiller(l1[0:2]),
		IssuingState:   trimFiller(l1[2:5]),
		docNumberField: l1[5:14],
		docNumberCheck: l1[14],
		DateOfBirth:    l2[0:6],
		birthCheck:     l2[6],
		Gender:         parseGender(l2[7]),
		DateOfExpiry:   l2[8:14],
		expiryCheck:    l2[14],
		Nationality:    trimFiller(l2[15:18]),
		OptionalData2:  trimFiller(l2[18:29]),
		raw:            mrz,
	}
	optional := l1[15:30]
	if m.docNumberCheck == '<' {
		// Long document number: the remainder and its check digit are in the optional data.
		ext := strings.TrimRight(optional, "<")
		if len(ext) > 0 {
			m.docNumberField = l1[5:14] + ext[:len(ext)-1]
			m.docNumberCheck = ext[len(ext)-1]
			optional = ""
		}
	}
	m.DocumentNumber = trimFiller(m.docNumberField)
	m.PersonalNumber = trimFiller(optional)
	m.PrimaryIdentifier, m.SecondaryIdentifier = splitName(l3)
	return m
}

func parseTD23(mrz string, f Format, width int) *MRZInfo {
	l1, l2 := mrz[:width], mrz[width:]
	m := &MRZInfo{
		Format:         f,
		DocumentCode:   trimFiller(l1[0:2]),
		IssuingState:   trimFiller(l1[2:5]),
		docNumberField: l2[0:9],
		docNumberCheck: l2[9],
		Nationality:    trimFiller(l2[10:13]),
		DateOfBirth:    l2[13:19],
		birthCheck:     l2[19],
		Gender:         parseGender(l2[20]),
		DateOfExpiry:   l2[21:27],
		expiryCheck:    l2[27],
		raw:            mrz,
	}
	m.DocumentNumber = trimFiller(m.docNumberField)
	if f == FormatTD3 {
		m.PersonalNumber = trimFiller(l2[28:42])
	} else {
		m.PersonalNumber = trimFiller(l2[28:35])
	}
	m.PrimaryIdentifier, m.SecondaryIdentifier = splitName(l1[5:])
	return m
}

// splitName separates "PRIMARY<<SECOND<THIRD" into its identifiers.
func splitName(field string) (string, []string) {
	field = strings.TrimRight(field, "<")
	primary, secondary, _ := strings.Cut(field, "<<")
	var parts []string
	for _, p := range strings.Split(secondary, "<") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return trimFiller(primary), parts
}

func trimFiller(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "<", " "))
}

// Name is the primary identifier followed by the secondary identifier
// components, separated by single spaces.
func (m *MRZInfo) Name() string {
	return strings.Join(append([]string{m.PrimaryIdentifier}, m.SecondaryIdentifier...), " ")
}

// DocumentType returns the numeric document size designator (1, 2 or 3).
func (m *MRZInfo) DocumentType() int {
	return int(m.Format)
}

// BACKey returns the access key printed in this MRZ.
func (m *MRZInfo) BACKey() mrtd.BACKey {
	return mrtd.BACKey{
		DocumentNumber: m.DocumentNumber,
		DateOfBirth:    m.DateOfBirth,
		DateOfExpiry:   m.DateOfExpiry,
	}
}

// Valid checks the document number, birth date and expiry date check digits.
func (m *MRZInfo) Valid() error {
	checks := []struct {
		name  string
		field string
		digit byte
	}{
		{"document number", m.docNumberField, m.docNumberCheck},
		{"date of birth", m.DateOfBirth, m.birthCheck},
		{"date of expiry", m.DateOfExpiry, m.expiryCheck},
	}
	for _, c := range checks {
		if want := mrtd.CheckDigit(c.field); want != c.digit {
			return errors.Errorf("%s check digit is %q, expected %q", c.name, c.digit, want)
		}
	}
	return nil
}

// String returns the MRZ lines as read.
func (m *MRZInfo) String() string {
	return m.raw
}
