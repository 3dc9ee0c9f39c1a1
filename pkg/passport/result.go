package passport

import "github.com/barnettlynn/mrtdtools/pkg/lds"

// Result is the identity read from a document. Field names in JSON follow
// the mobile SDK payload that consumers already parse.
type Result struct {
	PersonalNumber string `json:"personalNumber"`
	DocumentType   int    `json:"documentType"` // TD1, TD2 or TD3 as 1, 2, 3
	DocumentCode   string `json:"documentCode"`
	DocumentNumber string `json:"documentNumber"`
	Name           string `json:"name"`
	DateOfBirth    string `json:"dateOfBirth"`
	DateOfExpiry   string `json:"dateOfExpiry"`
	Gender         string `json:"gender"`
	Nationality    string `json:"nationality"`
	IssuingState   string `json:"issuingState"`
	FacePath       string `json:"facePath"`
}

func newResult(m *lds.MRZInfo, facePath string) *Result {
	return &Result{
		PersonalNumber: m.PersonalNumber,
		DocumentType:   m.DocumentType(),
		DocumentCode:   m.DocumentCode,
		DocumentNumber: m.DocumentNumber,
		Name:           m.Name(),
		DateOfBirth:    m.DateOfBirth,
		DateOfExpiry:   m.DateOfExpiry,
		Gender:         string(m.Gender),
		Nationality:    m.Nationality,
		IssuingState:   m.IssuingState,
		FacePath:       facePath,
	}
}
