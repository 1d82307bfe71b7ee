package leads

import "errors"

var (
	// ErrMissingCompany is returned when a row has no company name
	ErrMissingCompany = errors.New("leads: company name is required")

	// ErrMissingContact is returned when a row has no usable phone number
	ErrMissingContact = errors.New("leads: contact number is required")

	// ErrMissingColumns is returned when the CSV header lacks a required column
	ErrMissingColumns = errors.New("leads: header must contain nome,numero,segmento")

	// ErrLeadNotFound is returned when a lead is not found
	ErrLeadNotFound = errors.New("leads: lead not found")
)
