// Package history defines the session record model and the persistence
// contract for the generation history collection. Implementations must
// provide identical semantics across backends so callers can switch
// between the embedded SQLite store and a server-side database.
package history

import "context"

// Platform identifies the speech provider a session was generated with.
type Platform string

// Known providers.
const (
	PlatformAzure     Platform = "azure"
	PlatformOpenAI    Platform = "openai"
	PlatformFishAudio Platform = "fishaudio"
	PlatformMinimax   Platform = "minimax"
	PlatformMoon      Platform = "moon"
)

// GenBy discriminates which text field is the authoritative input of a
// session. Exactly one of the three content fields is active per record.
type GenBy string

const (
	GenByText           GenBy = "text"
	GenBySpeechClone    GenBy = "speech-clone"
	GenBySpeechToSpeech GenBy = "speech-to-speech"
)

// Speed bounds for the playback-rate multiplier.
const (
	MinSpeed = 0.25
	MaxSpeed = 2.0
)

// Session is one durable record of a generation event. The struct is
// the exact persistable shape: ephemeral playback state (object URLs,
// play/edit flags, current position) never enters the store and is
// rebuilt by the caller from Audio after a read.
type Session struct {
	// ID is assigned by the store on creation; empty before persistence.
	ID       string   `json:"id"`
	Platform Platform `json:"platform"`
	// Speaker is the provider-specific voice identifier.
	Speaker  string  `json:"speaker"`
	Language string  `json:"language,omitempty"`
	Speed    float64 `json:"speed"`

	GenBy           GenBy  `json:"genBy"`
	Text            string `json:"text"`
	SpeechCloneText string `json:"speechCloneText,omitempty"`
	SpeechToText    string `json:"speechToText,omitempty"`

	// Audio is the generated output; nil until generation completes.
	Audio []byte `json:"audio,omitempty"`

	// Epoch milliseconds. CreatedAt is set once; UpdatedAt is refreshed
	// on every mutation and is never less than CreatedAt.
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// ActiveText returns the content field selected by the GenBy
// discriminator.
func (s Session) ActiveText() string {
	switch s.GenBy {
	case GenBySpeechClone:
		return s.SpeechCloneText
	case GenBySpeechToSpeech:
		return s.SpeechToText
	default:
		return s.Text
	}
}

// ValidSpeed reports whether the speed multiplier is inside the
// supported domain.
func (s Session) ValidSpeed() bool {
	return s.Speed >= MinSpeed && s.Speed <= MaxSpeed
}

// Query is a typed filter specification. Nil fields are unconstrained;
// set fields combine with AND semantics. Text is matched exactly by
// Find and as a case-insensitive substring by FindPage.
type Query struct {
	Platform *Platform
	Speaker  *string
	Language *string
	GenBy    *GenBy
	Text     *string
}

// Patch carries partial field updates for Update. Nil fields are left
// untouched on the stored record.
type Patch struct {
	Platform        *Platform
	Speaker         *string
	Language        *string
	Speed           *float64
	GenBy           *GenBy
	Text            *string
	SpeechCloneText *string
	SpeechToText    *string
	Audio           []byte
}

// Page is one slice of a paginated query result.
type Page struct {
	Results     []Session `json:"results"`
	TotalPages  int       `json:"totalPages"`
	CurrentPage int       `json:"currentPage"`
}

// Store persists and queries session records.
type Store interface {
	// Create assigns a fresh id and timestamps, persists the record and
	// returns it. The input's ID, CreatedAt and UpdatedAt are ignored.
	Create(ctx context.Context, s Session) (Session, error)
	// Get returns the record and true, or a zero Session and false when
	// the id is absent. Absence is not an error.
	Get(ctx context.Context, id string) (Session, bool, error)
	// Update merges the patch into the stored record, refreshes
	// UpdatedAt and returns the result. A missing id is a not_found
	// error.
	Update(ctx context.Context, id string, p Patch) (Session, error)
	// Delete removes a record by id. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string) error
	// DeleteBatch removes every listed id in one transaction. Absent
	// ids are skipped.
	DeleteBatch(ctx context.Context, ids []string) error
	// DeleteAll empties the collection and returns the number of
	// removed records.
	DeleteAll(ctx context.Context) (int, error)
	// Find returns all records matching the query exactly, newest
	// first.
	Find(ctx context.Context, q Query) ([]Session, error)
	// FindPage applies the query (Text as case-insensitive substring),
	// orders by CreatedAt descending and returns the requested page.
	// Pages beyond the last yield an empty result without error.
	FindPage(ctx context.Context, q Query, page, pageSize int) (Page, error)
	// Count returns the total number of stored records.
	Count(ctx context.Context) (int, error)
}
