package quiz

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/victornm/liveroom/internal/domain"
	"github.com/victornm/liveroom/internal/errors"
)

const (
	OptionCount = 4

	MinTimeLimitSeconds     = 10
	MaxTimeLimitSeconds     = 120
	DefaultTimeLimitSeconds = 30

	MaxPromptLength      = 500
	MaxOptionLength      = 200
	MaxExplanationLength = 1000
	MaxBankSize          = 100
	maxQuestionIDLength  = 128
)

// questionInput is a client question before validation. Pointers tell a
// missing field from a zero value.
type questionInput struct {
	ID                 string   `json:"id"`
	Prompt             string   `json:"prompt"`
	Options            []string `json:"options"`
	CorrectOptionIndex *int     `json:"correctOptionIndex"`
	TimeLimitSeconds   *int     `json:"timeLimitSec"`
	Explanation        string   `json:"explanation"`
}

// ParseBank decodes an uploaded quiz. It accepts a list of questions, an object
// with a "questions" list, or the JSON text of either. Questions without an id
// get a generated one. Any invalid question rejects the whole bank.
func ParseBank(raw any) ([]domain.Question, error) {
	if s, ok := raw.(string); ok {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, errors.InvalidArgument("quiz is not valid JSON")
		}
		raw = v
	}

	if m, ok := raw.(map[string]any); ok {
		raw = m["questions"]
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, errors.InvalidArgument("quiz must be a list of questions")
	}
	if len(items) == 0 {
		return nil, errors.InvalidArgument("quiz has no questions")
	}
	if len(items) > MaxBankSize {
		return nil, errors.InvalidArgument("quiz has %d questions, at most %d allowed", len(items), MaxBankSize)
	}

	bank := make([]domain.Question, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		q, err := parseQuestion(item, i+1)
		if err != nil {
			return nil, err
		}

		if _, dup := seen[q.QuestionID]; dup {
			return nil, errors.InvalidArgument("question %d: duplicate id %q", i+1, q.QuestionID)
		}
		seen[q.QuestionID] = struct{}{}
		bank = append(bank, q)
	}

	return bank, nil
}

// ParseQuestion decodes and validates a single question added by hand.
func ParseQuestion(raw any) (domain.Question, error) {
	return parseQuestion(raw, 1)
}

func parseQuestion(raw any, n int) (domain.Question, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return domain.Question{}, errors.InvalidArgument("question %d: must be an object", n)
	}

	var in questionInput
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &in,
	})
	if err != nil {
		return domain.Question{}, errors.Internal(err)
	}
	if err := d.Decode(m); err != nil {
		return domain.Question{}, errors.InvalidArgument("question %d: malformed fields", n)
	}

	return validate(in, n)
}

func validate(in questionInput, n int) (domain.Question, error) {
	q := domain.Question{
		QuestionID:  strings.TrimSpace(in.ID),
		Prompt:      strings.TrimSpace(in.Prompt),
		Explanation: strings.TrimSpace(in.Explanation),
	}

	if q.QuestionID == "" {
		q.QuestionID = uuid.Must(uuid.NewV7()).String()
	}
	if len(q.QuestionID) > maxQuestionIDLength {
		return q, errors.InvalidArgument("question %d: id is too long", n)
	}

	if q.Prompt == "" {
		return q, errors.InvalidArgument("question %d: prompt is required", n)
	}
	if utf8.RuneCountInString(q.Prompt) > MaxPromptLength {
		return q, errors.InvalidArgument("question %d: prompt exceeds %d characters", n, MaxPromptLength)
	}

	if len(in.Options) != OptionCount {
		return q, errors.InvalidArgument("question %d: exactly %d options are required", n, OptionCount)
	}
	q.Options = make([]string, 0, OptionCount)
	for i, o := range in.Options {
		o = strings.TrimSpace(o)
		if o == "" {
			return q, errors.InvalidArgument("question %d: option %d is empty", n, i+1)
		}
		if utf8.RuneCountInString(o) > MaxOptionLength {
			return q, errors.InvalidArgument("question %d: option %d exceeds %d characters", n, i+1, MaxOptionLength)
		}
		q.Options = append(q.Options, o)
	}

	if in.CorrectOptionIndex == nil {
		return q, errors.InvalidArgument("question %d: correctOptionIndex is required", n)
	}
	if *in.CorrectOptionIndex < 0 || *in.CorrectOptionIndex >= OptionCount {
		return q, errors.InvalidArgument("question %d: correctOptionIndex must be between 0 and %d", n, OptionCount-1)
	}
	q.CorrectOptionIndex = *in.CorrectOptionIndex

	if utf8.RuneCountInString(q.Explanation) > MaxExplanationLength {
		return q, errors.InvalidArgument("question %d: explanation exceeds %d characters", n, MaxExplanationLength)
	}

	q.TimeLimitSeconds = DefaultTimeLimitSeconds
	if in.TimeLimitSeconds != nil {
		q.TimeLimitSeconds = min(max(*in.TimeLimitSeconds, MinTimeLimitSeconds), MaxTimeLimitSeconds)
	}

	return q, nil
}
