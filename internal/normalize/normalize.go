// Package normalize содержит канонизацию OCR-текста, вычисление отпечатка
// чека и разбор денежных значений.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	reSpaces = regexp.MustCompile(`\s+`)
	reAmount = regexp.MustCompile(`-?\d+(?:\.\d{1,2})?`)
)

// Canonical приводит сырой OCR-текст к канонической форме: каждая строка
// обрезается по краям, повторяющиеся пробельные символы схлопываются в один
// пробел, текст переводится в нижний регистр, пустые строки отбрасываются,
// оставшиеся соединяются одним переводом строки. Косметический шум OCR
// (лишние пробелы, регистр) не влияет на результат.
func Canonical(s string) string {
	if s == "" {
		return ""
	}
	rawLines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	lines := make([]string, 0, len(rawLines))
	for _, line := range rawLines {
		line = strings.TrimSpace(reSpaces.ReplaceAllString(line, " "))
		if line == "" {
			continue
		}
		lines = append(lines, strings.ToLower(line))
	}
	return strings.Join(lines, "\n")
}

// TextHash возвращает SHA-256 отпечаток канонической формы текста в hex.
// Отпечаток служит единственным механизмом поиска дубликатов чеков.
func TextHash(s string) string {
	sum := sha256.Sum256([]byte(Canonical(s)))
	return hex.EncodeToString(sum[:])
}

// AmountCents извлекает из строки первое денежное значение и возвращает его
// в центах. Символы валют, пробелы и разделители тысяч игнорируются.
// Возвращает false, если числа в строке нет.
func AmountCents(s string) (int64, bool) {
	cleaned := strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "").Replace(s)
	m := reAmount.FindString(cleaned)
	if m == "" {
		return 0, false
	}

	neg := strings.HasPrefix(m, "-")
	m = strings.TrimPrefix(m, "-")

	whole := m
	frac := ""
	if i := strings.IndexByte(m, '.'); i >= 0 {
		whole, frac = m[:i], m[i+1:]
	}

	var cents int64
	for _, ch := range whole {
		cents = cents*10 + int64(ch-'0')
	}
	cents *= 100
	switch len(frac) {
	case 1:
		cents += int64(frac[0]-'0') * 10
	case 2:
		cents += int64(frac[0]-'0')*10 + int64(frac[1]-'0')
	}

	if neg {
		cents = -cents
	}
	return cents, true
}
