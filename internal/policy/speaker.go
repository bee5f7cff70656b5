package policy

import (
	"github.com/capitalize-ai/social-scheduler/internal/model"
)

// SpeakerSelector picks the next group speaker, favoring members who have
// said less so far.
type SpeakerSelector struct {
	src Source
}

// NewSpeakerSelector creates a selector drawing from src.
func NewSpeakerSelector(src Source) *SpeakerSelector {
	return &SpeakerSelector{src: src}
}

// Candidates returns members eligible to speak after lastSenderID: everyone
// except the previous sender, unless that leaves nobody.
func Candidates(members []model.Member, lastSenderID string) []model.Member {
	out := make([]model.Member, 0, len(members))
	for _, m := range members {
		if m.AccountID != lastSenderID {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return members
	}
	return out
}

// Weights returns the normalized selection probability of each candidate,
// proportional to 1/(message_count+1). A nil result means the weights are
// degenerate and selection falls back to uniform.
func Weights(candidates []model.Member) []float64 {
	raw := make([]float64, len(candidates))
	var total float64
	for i, m := range candidates {
		count := m.MessageCount
		if count < 0 {
			count = 0
		}
		raw[i] = 1.0 / float64(count+1)
		total += raw[i]
	}
	if total == 0 {
		return nil
	}
	for i := range raw {
		raw[i] /= total
	}
	return raw
}

// Select returns the next speaker among members, given the previous sender.
// Members are considered in the order given; one uniform draw is compared
// against the cumulative distribution.
func (s *SpeakerSelector) Select(members []model.Member, lastSenderID string) (model.Member, bool) {
	if len(members) == 0 {
		return model.Member{}, false
	}
	candidates := Candidates(members, lastSenderID)
	r := s.src.Float64()

	weights := Weights(candidates)
	if weights == nil {
		i := int(r * float64(len(candidates)))
		if i >= len(candidates) {
			i = len(candidates) - 1
		}
		return candidates[i], true
	}

	var cumulative float64
	for i, w := range weights {
		cumulative += w
		if r <= cumulative {
			return candidates[i], true
		}
	}
	return candidates[len(candidates)-1], true
}
