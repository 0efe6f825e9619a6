package nlu

import "strings"

// Answer is the outcome of yes/no classification.
type Answer int

const (
	AnswerUnknown Answer = iota
	AnswerYes
	AnswerNo
)

func (a Answer) String() string {
	switch a {
	case AnswerYes:
		return "yes"
	case AnswerNo:
		return "no"
	}
	return "unknown"
}

var yesWords = []string{
	"si", "correcto", "exacto", "afirmativo", "claro", "perfecto",
	"efectivamente", "asi", "bueno", "ya", "dale", "obvio",
}

var noWords = []string{
	"no", "incorrecto", "negativo", "equivocado", "mal", "error", "errado",
}

// ClassifyYesNo decides whether a transcript confirms or rejects. Negations
// win over confirmations ("no, no es correcto" is a no even though
// "correcto" appears), matching how callers actually correct a read-back.
func ClassifyYesNo(transcript string) Answer {
	norm := Normalize(transcript)
	if norm == "" {
		return AnswerUnknown
	}

	var sawYes bool
	for _, word := range strings.Fields(norm) {
		for _, n := range noWords {
			if word == n {
				return AnswerNo
			}
		}
		for _, y := range yesWords {
			if word == y {
				sawYes = true
			}
		}
	}
	if sawYes {
		return AnswerYes
	}
	return AnswerUnknown
}
