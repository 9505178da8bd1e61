package query

import "strings"

const TypeListResources = "session.query.resources.list"

type ListResourcesMessage struct {
	FreeText  string
	SortOrder string
	Page      int
}

func (ListResourcesMessage) Type() string { return TypeListResources }

func (m ListResourcesMessage) Validate() error {
	if m.Page < 0 {
		return queryValidationError("page", "must be >= 0")
	}
	if len(strings.TrimSpace(m.FreeText)) > 256 {
		return queryValidationError("free_text", "must be at most 256 characters")
	}
	return nil
}
