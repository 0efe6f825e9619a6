package nlu

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// transferKeywords are caller words that request a human.
var transferKeywords = []string{
	"ejecutivo", "ejecutiva", "humano", "humana", "persona",
	"agente", "operador", "operadora", "secretaria", "recepcionista",
}

// transferPhrases are multi-word transfer requests matched as substrings.
var transferPhrases = []string{
	"hablar con alguien",
	"hablar con un ejecutivo",
	"me comunique con",
	"pasame con",
	"transferir",
}

// goodbyePhrases mark an assistant utterance as terminal.
var goodbyePhrases = []string{
	"hasta luego",
	"hasta pronto",
	"adios",
	"que tenga un buen dia",
	"que este muy bien",
	"nos vemos",
	"chao",
}

// fuzzyWordMatch reports whether word is keyword up to one typo. Transcripts
// misspell freely ("ejecutibo"), so exact matching loses real intents; the
// distance threshold only applies to words long enough that one edit cannot
// turn an unrelated word into a keyword.
func fuzzyWordMatch(word, keyword string) bool {
	if word == keyword {
		return true
	}
	if len(keyword) < 5 {
		return false
	}
	return matchr.DamerauLevenshtein(word, keyword) <= 1
}

// IsTransferRequest reports whether the caller's transcript asks for a human.
func IsTransferRequest(transcript string) bool {
	norm := Normalize(transcript)
	if norm == "" {
		return false
	}
	for _, phrase := range transferPhrases {
		if strings.Contains(norm, phrase) {
			return true
		}
	}
	for _, word := range strings.Fields(norm) {
		for _, kw := range transferKeywords {
			if fuzzyWordMatch(word, kw) {
				return true
			}
		}
	}
	return false
}

// IsGoodbye reports whether an assistant utterance contains a farewell,
// signalling the call should end after the audio tail.
func IsGoodbye(text string) bool {
	norm := Normalize(text)
	if norm == "" {
		return false
	}
	for _, phrase := range goodbyePhrases {
		if strings.Contains(norm, phrase) {
			return true
		}
	}
	return false
}
