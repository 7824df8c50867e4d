package models

import "time"

/**
 * One immutable change log record of a title
 * @property {string} version - Version the change applies to, empty for title changes
 * @property {string} attribute - Changed attribute, empty for state changes
 */
type ChangeLogEntry struct {
	Time      time.Time `json:"time"`
	Admin     string    `json:"admin"`
	Host      string    `json:"host"`
	Version   string    `json:"version,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attribute string    `json:"attribute,omitempty"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
}
