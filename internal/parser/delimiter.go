package parser

import (
	"bufio"
	"bytes"
	"strings"
)

// candidate delimiters, in preference order for ties.
var delimiters = []rune{',', ';', '|', '\t'}

// delimiterSampleLines bounds how much of the file the tie-break inspects.
const delimiterSampleLines = 10

// DetectDelimiter picks the field separator from the first non-empty line,
// tie-breaking by column-count consistency across the first few lines: the
// winning delimiter splits every sampled line into the same column count > 1.
func DetectDelimiter(data []byte) rune {
	lines := sampleLines(data, delimiterSampleLines)
	if len(lines) == 0 {
		return ','
	}

	best := ','
	bestScore := -1
	for _, d := range delimiters {
		count := strings.Count(lines[0], string(d))
		if count == 0 {
			continue
		}
		columns := count + 1
		consistent := true
		for _, line := range lines[1:] {
			if strings.Count(line, string(d))+1 != columns {
				consistent = false
				break
			}
		}
		score := columns
		if consistent {
			score += 1000
		}
		if score > bestScore {
			best = d
			bestScore = score
		}
	}
	return best
}

func sampleLines(data []byte, max int) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() && len(lines) < max {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
