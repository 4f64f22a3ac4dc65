package service

import (
	"fmt"
	"strings"
)

// NotFoundError reports referenced entities that do not exist. IDs
// carries the full missing set so a caller can fix its whole request in
// one round trip.
type NotFoundError struct {
	Resource string
	IDs      []int64
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	parts := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(parts, ", "))
}

// ForbiddenError reports an authenticated caller not authorized for
// this entity or action
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return e.Reason
}

// ConflictError reports a state-machine violation, e.g. a duplicate
// ongoing negotiation or re-confirming an agreed one
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// InvalidInputError reports a malformed or semantically disallowed
// request, e.g. an empty cart or mixed producers
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return e.Reason
}

// StockShortage describes one item's shortfall
type StockShortage struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}

// InsufficientStockError carries every offending item, not just the
// first, so a client can correct the whole cart at once
type InsufficientStockError struct {
	Shortages []StockShortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		parts[i] = fmt.Sprintf("%s (requested %d, available %d)", s.ProductName, s.Requested, s.Available)
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}
