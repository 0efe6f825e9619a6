// Package nlu contains the small Spanish-language understanding helpers the
// engine and domains share: RUT extraction from spoken number words, yes/no
// classification, and keyword intent detection.
package nlu

import (
	"strconv"
	"strings"
)

// numberWords maps Spanish number words to their values. Units and tens
// compose additively; cien(to), mil, and millón act as multipliers.
var numberWords = map[string]int64{
	"cero": 0, "un": 1, "uno": 1, "una": 1, "dos": 2, "tres": 3,
	"cuatro": 4, "cinco": 5, "seis": 6, "siete": 7, "ocho": 8, "nueve": 9,
	"diez": 10, "once": 11, "doce": 12, "trece": 13, "catorce": 14,
	"quince": 15, "dieciseis": 16, "diecisiete": 17, "dieciocho": 18,
	"diecinueve": 19, "veinte": 20, "veintiun": 21, "veintiuno": 21,
	"veintidos": 22, "veintitres": 23, "veinticuatro": 24, "veinticinco": 25,
	"veintiseis": 26, "veintisiete": 27, "veintiocho": 28, "veintinueve": 29,
	"treinta": 30, "cuarenta": 40, "cincuenta": 50, "sesenta": 60,
	"setenta": 70, "ochenta": 80, "noventa": 90,
	"cien": 100, "ciento": 100,
	"doscientos": 200, "trescientos": 300, "cuatrocientos": 400,
	"quinientos": 500, "seiscientos": 600, "setecientos": 700,
	"ochocientos": 800, "novecientos": 900,
}

var digitWords = [10]string{"cero", "uno", "dos", "tres", "cuatro", "cinco", "seis", "siete", "ocho", "nueve"}

// accentFold maps the accented vowels and ñ that survive lowercasing.
var accentFold = strings.NewReplacer(
	"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u", "ñ", "n",
)

// Normalize lowercases and strips accents, leaving plain ASCII Spanish.
func Normalize(text string) string {
	return accentFold.Replace(strings.ToLower(strings.TrimSpace(text)))
}

// ParseRUT extracts a Chilean RUT from a spoken transcript. It handles
// number words ("catorce millones trescientos ... guión ocho"), plain digits
// ("14348258-8", "14.348.258-8"), and mixtures. The returned RUT is
// "body-checkdigit" with no thousand separators. ok is false when no
// plausible RUT is present.
func ParseRUT(transcript string) (rut string, ok bool) {
	norm := Normalize(transcript)
	norm = strings.NewReplacer(".", "", ",", "", "-", " guion ").Replace(norm)

	body, check, found := splitAtCheckDigit(norm)
	if !found {
		return "", false
	}

	n, ok := parseSpokenNumber(body)
	if !ok || n < 100_000 || n > 99_999_999 {
		return "", false
	}
	return strconv.FormatInt(n, 10) + "-" + check, true
}

// splitAtCheckDigit cuts the transcript at the "guión"/"raya" separator and
// resolves the token after it as the check digit (0-9 or K).
func splitAtCheckDigit(norm string) (body, check string, ok bool) {
	tokens := strings.Fields(norm)
	for i, tok := range tokens {
		if tok != "guion" && tok != "raya" {
			continue
		}
		if i+1 >= len(tokens) {
			return "", "", false
		}
		check, ok = checkDigitToken(tokens[i+1])
		if !ok {
			return "", "", false
		}
		return strings.Join(tokens[:i], " "), check, true
	}
	return "", "", false
}

func checkDigitToken(tok string) (string, bool) {
	if tok == "k" || tok == "ka" {
		return "K", true
	}
	if len(tok) == 1 && tok[0] >= '0' && tok[0] <= '9' {
		return tok, true
	}
	if v, known := numberWords[tok]; known && v <= 9 {
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

// parseSpokenNumber evaluates a sequence of Spanish number words and literal
// digit groups into a single integer.
func parseSpokenNumber(body string) (int64, bool) {
	var total, current int64
	seen := false

	for _, tok := range strings.Fields(body) {
		switch {
		case tok == "y", tok == "de", tok == "el", tok == "mi", tok == "rut", tok == "es":
			continue

		case tok == "mil":
			if current == 0 {
				current = 1
			}
			total += current * 1_000
			current = 0
			seen = true

		case tok == "millon", tok == "millones":
			if current == 0 {
				current = 1
			}
			total += current * 1_000_000
			current = 0
			seen = true

		default:
			if v, known := numberWords[tok]; known {
				if v == 100 && current > 0 {
					current *= 100
				} else {
					current += v
				}
				seen = true
				continue
			}
			if v, err := strconv.ParseInt(tok, 10, 64); err == nil {
				// Literal digit group: "14348258" or a fragment like "348".
				if current > 0 || total > 0 {
					current = current*pow10(len(tok)) + v
				} else {
					current = v
				}
				seen = true
				continue
			}
			// Foreign token inside the number: not a clean RUT utterance,
			// but keep going — transcripts are noisy.
		}
	}
	return total + current, seen
}

func pow10(digits int) int64 {
	n := int64(1)
	for i := 0; i < digits; i++ {
		n *= 10
	}
	return n
}

// ComputeCheckDigit returns the modulo-11 check digit for a RUT body.
func ComputeCheckDigit(body string) string {
	sum, factor := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		if body[i] < '0' || body[i] > '9' {
			return ""
		}
		sum += int(body[i]-'0') * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	switch rem := 11 - sum%11; rem {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return strconv.Itoa(rem)
	}
}

// ValidRUT reports whether rut ("body-check") has a correct check digit.
func ValidRUT(rut string) bool {
	body, check, found := strings.Cut(rut, "-")
	if !found || body == "" {
		return false
	}
	want := ComputeCheckDigit(body)
	return want != "" && strings.EqualFold(check, want)
}

// SpeakTail renders the last n digits of a RUT body plus its check digit as
// spoken words, e.g. "dos cinco ocho guión ocho". Used for read-back
// confirmations.
func SpeakTail(rut string, n int) string {
	body, check, found := strings.Cut(rut, "-")
	if !found {
		body = rut
	}
	if n > len(body) {
		n = len(body)
	}

	var words []string
	for _, c := range body[len(body)-n:] {
		if c < '0' || c > '9' {
			continue
		}
		words = append(words, digitWords[c-'0'])
	}
	if found && check != "" {
		spoken := strings.ToLower(check)
		if spoken != "k" {
			if d := check[0]; d >= '0' && d <= '9' {
				spoken = digitWords[d-'0']
			}
		}
		words = append(words, "guión", spoken)
	}
	return strings.Join(words, " ")
}
