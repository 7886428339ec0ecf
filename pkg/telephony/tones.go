package telephony

// ToneKind группа DTMF символа.
type ToneKind string

const (
	ToneDigit   ToneKind = "digit"
	ToneControl ToneKind = "control"
	ToneLetter  ToneKind = "letter"
)

// Tone один DTMF символ.
type Tone struct {
	Symbol string
	Kind   ToneKind
	Name   string
}

// ToneMap все 16 DTMF символов: цифры, затем * и #, затем буквы.
var ToneMap = [16]Tone{
	{Symbol: "0", Kind: ToneDigit, Name: "zero"},
	{Symbol: "1", Kind: ToneDigit, Name: "one"},
	{Symbol: "2", Kind: ToneDigit, Name: "two"},
	{Symbol: "3", Kind: ToneDigit, Name: "three"},
	{Symbol: "4", Kind: ToneDigit, Name: "four"},
	{Symbol: "5", Kind: ToneDigit, Name: "five"},
	{Symbol: "6", Kind: ToneDigit, Name: "six"},
	{Symbol: "7", Kind: ToneDigit, Name: "seven"},
	{Symbol: "8", Kind: ToneDigit, Name: "eight"},
	{Symbol: "9", Kind: ToneDigit, Name: "nine"},
	{Symbol: "*", Kind: ToneControl, Name: "star"},
	{Symbol: "#", Kind: ToneControl, Name: "pound"},
	{Symbol: "A", Kind: ToneLetter, Name: "letter-a"},
	{Symbol: "B", Kind: ToneLetter, Name: "letter-b"},
	{Symbol: "C", Kind: ToneLetter, Name: "letter-c"},
	{Symbol: "D", Kind: ToneLetter, Name: "letter-d"},
}

// LookupTone ищет символ в ToneMap. Буквы принимаются в любом регистре.
func LookupTone(symbol string) (Tone, bool) {
	if len(symbol) == 1 && symbol[0] >= 'a' && symbol[0] <= 'd' {
		symbol = string(symbol[0] - 'a' + 'A')
	}
	for _, t := range ToneMap {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return Tone{}, false
}
