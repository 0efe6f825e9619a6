package nlu

import "testing"

func TestParseRUT_SpokenWords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		transcript string
		want       string
		wantOK     bool
	}{
		{
			"full spoken rut",
			"catorce millones trescientos cuarenta y ocho mil doscientos cincuenta y ocho guión ocho",
			"14348258-8", true,
		},
		{
			"twelve millions",
			"doce millones quinientos mil trescientos veinte guión k",
			"12500320-K", true,
		},
		{
			"with filler words",
			"mi rut es nueve millones ochocientos setenta y seis mil quinientos cuarenta y tres guión tres",
			"9876543-3", true,
		},
		{
			"plain digits with dash",
			"14348258-8",
			"14348258-8", true,
		},
		{
			"digits with separators",
			"14.348.258-8",
			"14348258-8", true,
		},
		{"no check digit", "catorce millones trescientos mil", "", false},
		{"no number at all", "quiero hablar con un ejecutivo", "", false},
		{"too small for a rut", "dos mil guión cinco", "", false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseRUT(tc.transcript)
			if ok != tc.wantOK {
				t.Fatalf("ok: got %v, want %v (rut %q)", ok, tc.wantOK, got)
			}
			if got != tc.want {
				t.Errorf("rut: got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCheckDigit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want string
	}{
		{"14348258", "8"},
		{"12500320", "K"},
		{"9876543", "3"},
		{"1", "9"},
	}
	for _, tc := range tests {
		if got := ComputeCheckDigit(tc.body); got != tc.want {
			t.Errorf("ComputeCheckDigit(%s) = %q, want %q", tc.body, got, tc.want)
		}
	}

	if !ValidRUT("14348258-8") {
		t.Error("14348258-8 is valid")
	}
	if !ValidRUT("12500320-k") {
		t.Error("lowercase check digit is valid")
	}
	if ValidRUT("14348258-9") {
		t.Error("wrong check digit must be invalid")
	}
	if ValidRUT("14348258") {
		t.Error("missing check digit must be invalid")
	}
}

func TestSpeakTail(t *testing.T) {
	t.Parallel()

	if got := SpeakTail("14348258-8", 3); got != "dos cinco ocho guión ocho" {
		t.Errorf("SpeakTail: got %q", got)
	}
	if got := SpeakTail("12500320-K", 2); got != "dos cero guión k" {
		t.Errorf("SpeakTail with K: got %q", got)
	}
}

func TestClassifyYesNo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transcript string
		want       Answer
	}{
		{"sí, es correcto", AnswerYes},
		{"correcto", AnswerYes},
		{"claro que sí", AnswerYes},
		{"no", AnswerNo},
		{"no, está mal", AnswerNo},
		{"no, no es correcto", AnswerNo},
		{"está equivocado", AnswerNo},
		{"eh bueno ya", AnswerYes},
		{"quiero pedir una hora", AnswerUnknown},
		{"", AnswerUnknown},
	}

	for _, tc := range tests {
		if got := ClassifyYesNo(tc.transcript); got != tc.want {
			t.Errorf("ClassifyYesNo(%q) = %s, want %s", tc.transcript, got, tc.want)
		}
	}
}

func TestIsTransferRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		transcript string
		want       bool
	}{
		{"quiero hablar con un ejecutivo", true},
		{"necesito un humano por favor", true},
		{"comuníqueme con una persona", true},
		{"quiero hablar con un ejecutibo", true}, // one typo away
		{"mi rut es catorce millones", false},
		{"sí, es correcto", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := IsTransferRequest(tc.transcript); got != tc.want {
			t.Errorf("IsTransferRequest(%q) = %v, want %v", tc.transcript, got, tc.want)
		}
	}
}

func TestIsGoodbye(t *testing.T) {
	t.Parallel()

	if !IsGoodbye("Parece que no hay respuesta. Hasta luego.") {
		t.Error("hasta luego is a goodbye")
	}
	if !IsGoodbye("Que tenga un buen día, adiós") {
		t.Error("adiós is a goodbye")
	}
	if IsGoodbye("Tengo registrado el RUT terminado en dos cinco ocho guión ocho. ¿Es correcto?") {
		t.Error("a read-back is not a goodbye")
	}
}
