package ask

import (
	"errors"
	"strings"
	"testing"
)

func validQuestions() []Question {
	return []Question{
		{
			Question:    "Which database should the service use?",
			Header:      "Database",
			MultiSelect: false,
			Options: []Option{
				{Label: "SQLite", Description: "embedded, zero ops"},
				{Label: "Postgres", Description: "networked"},
			},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := Validate(validQuestions()); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidate_QuestionCount(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Error("expected error for empty question set")
	}

	five := make([]Question, 5)
	for i := range five {
		five[i] = validQuestions()[0]
	}
	if err := Validate(five); err == nil {
		t.Error("expected error for 5 questions")
	}
}

func TestValidate_EmptyQuestionText(t *testing.T) {
	qs := validQuestions()
	qs[0].Question = ""
	err := Validate(qs)
	if err == nil {
		t.Fatal("expected error for empty question text")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestValidate_HeaderLength(t *testing.T) {
	qs := validQuestions()
	qs[0].Header = strings.Repeat("x", MaxHeaderLen)
	if err := Validate(qs); err != nil {
		t.Errorf("header at limit should pass: %v", err)
	}

	qs[0].Header = strings.Repeat("x", MaxHeaderLen+1)
	if err := Validate(qs); err == nil {
		t.Error("expected error for over-long header")
	}

	// Limit counts runes, not bytes.
	qs[0].Header = strings.Repeat("é", MaxHeaderLen)
	if err := Validate(qs); err != nil {
		t.Errorf("multibyte header at rune limit should pass: %v", err)
	}
}

func TestValidate_OptionCount(t *testing.T) {
	qs := validQuestions()
	qs[0].Options = qs[0].Options[:1]
	if err := Validate(qs); err == nil {
		t.Error("expected error for a single option")
	}

	qs = validQuestions()
	for i := 0; i < 3; i++ {
		qs[0].Options = append(qs[0].Options, Option{Label: "More"})
	}
	if err := Validate(qs); err == nil {
		t.Error("expected error for 5 options")
	}
}

func TestValidate_EmptyOptionLabel(t *testing.T) {
	qs := validQuestions()
	qs[0].Options[1].Label = ""
	if err := Validate(qs); err == nil {
		t.Error("expected error for empty option label")
	}
}
