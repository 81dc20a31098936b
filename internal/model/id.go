package model

import (
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// EventIDPrefix is the TypeID prefix of stored usage events.
const EventIDPrefix = "uevt"

// NewEventID returns a new K-sortable event identifier such as
// "uevt_01h2xcejqtf2nbrexx3vqjhp41".
func NewEventID() string {
	tid, err := typeid.Generate(EventIDPrefix)
	if err != nil {
		panic(fmt.Sprintf("model: invalid event id prefix: %v", err))
	}
	return tid.String()
}

// ValidEventID reports whether s parses as an event identifier.
func ValidEventID(s string) bool {
	if !strings.HasPrefix(s, EventIDPrefix+"_") {
		return false
	}
	_, err := typeid.Parse(s)
	return err == nil
}
