package scrub

import (
	"encoding/json"
	"log/slog"
	"regexp"

	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
)

var (
	userMention    = regexp.MustCompile(`<@!?(\d+)>`)
	channelMention = regexp.MustCompile(`<#(\d+)>`)
	roleMention    = regexp.MustCompile(`<@&(\d+)>`)
)

// Scrubber rewrites raw platform mention markup inside event content into
// readable names. The original content field is preserved; the cleaned text
// is stored alongside it as content_clean.
type Scrubber struct {
	aliases *config.ScrubAliases
	logger  *slog.Logger
}

// New creates a Scrubber backed by the given alias maps. A nil aliases
// set scrubs with generic placeholders only.
func New(aliases *config.ScrubAliases, logger *slog.Logger) *Scrubber {
	if aliases == nil {
		aliases = &config.ScrubAliases{}
	}
	return &Scrubber{aliases: aliases, logger: logger}
}

// Scrub modifies the record in place, adding content_clean to its payload.
// Scrubbing never fails an event: payloads without a string content field
// are left untouched.
func (s *Scrubber) Scrub(rec *domain.EventRecord) {
	if len(rec.Payload) == 0 {
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rec.Payload, &fields); err != nil {
		s.logger.Warn("skipping mention scrub, payload not an object", "error", err, "event_id", rec.ID)
		return
	}

	raw, ok := fields["content"]
	if !ok {
		return
	}
	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		return
	}

	clean := s.Clean(content)
	encoded, err := json.Marshal(clean)
	if err != nil {
		s.logger.Warn("skipping mention scrub, cannot encode cleaned content", "error", err, "event_id", rec.ID)
		return
	}
	fields["content_clean"] = encoded

	payload, err := json.Marshal(fields)
	if err != nil {
		s.logger.Warn("skipping mention scrub, cannot reassemble payload", "error", err, "event_id", rec.ID)
		return
	}
	rec.Payload = payload
}

// Clean rewrites every mention in text. Identifiers missing from the alias
// maps keep a generic placeholder so the raw numeric id never leaks through
// unexplained.
func (s *Scrubber) Clean(text string) string {
	text = roleMention.ReplaceAllStringFunc(text, func(m string) string {
		id := roleMention.FindStringSubmatch(m)[1]
		if name, ok := s.aliases.Roles[id]; ok {
			return "@" + name
		}
		return "@role:" + id
	})
	text = userMention.ReplaceAllStringFunc(text, func(m string) string {
		id := userMention.FindStringSubmatch(m)[1]
		if name, ok := s.aliases.Users[id]; ok {
			return "@" + name
		}
		return "@user:" + id
	})
	text = channelMention.ReplaceAllStringFunc(text, func(m string) string {
		id := channelMention.FindStringSubmatch(m)[1]
		if name, ok := s.aliases.Channels[id]; ok {
			return "#" + name
		}
		return "#channel:" + id
	})
	return text
}
