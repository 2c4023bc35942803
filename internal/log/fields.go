// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldItemKey    = "item_key"
	FieldSessionID  = "session_id"
	FieldGeneration = "generation"
	FieldTrackID    = "track_id"
	FieldChannelID  = "channel_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAttempt   = "attempt"
	FieldVariant   = "variant"

	// Media / stream fields
	FieldCodec    = "codec"
	FieldFormat   = "format"
	FieldProtocol = "protocol"
	FieldOffsetMs = "offset_ms"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Error fields
	FieldErrorKind   = "error_kind"
	FieldRecoverable = "recoverable"

	// Path / URL fields
	FieldURL     = "url"
	FieldBaseURL = "base_url"
)
