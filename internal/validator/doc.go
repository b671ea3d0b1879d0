// Package validator decides whether a user's message answers the slot
// currently being asked.
//
// Validation is a boundary, not a gate on availability: too-short answers
// are rejected cheaply, everything else goes to the classifier with the
// slot's rubric, and any backend failure fails open so an outage degrades
// answer quality instead of blocking collection.
package validator
