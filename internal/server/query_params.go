package server

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

var errInvalidSnowflakeID = errors.New("invalid_snowflake_id")

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed == 0 {
		return nil, errInvalidSnowflakeID
	}
	return &parsed, nil
}

func parseSnowflakeIDParam(field, value string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(value)
	if err != nil || id == nil {
		return 0, newValidationError(field, "invalid_"+field, "invalid "+field)
	}
	return *id, nil
}

// parseSnowflakeIDs accepts a comma separated list and drops blanks.
func parseSnowflakeIDs(field, value string) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	for _, part := range strings.Split(value, ",") {
		id, err := parseOptionalSnowflakeID(part)
		if err != nil {
			return nil, newValidationError(field, "invalid_"+field, "invalid "+field)
		}
		if id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}
