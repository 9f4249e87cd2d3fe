package csvparser

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"sendwave/internal/models"
)

// ParseRecipientRows parses a recipient sheet from an io.Reader. The CSV
// must contain a header row with a "Phone" and a "Message" column
// (case-insensitive). All other columns become template fields for the
// message body. Row order is preserved; it defines the resume checkpoint.
//
// maxRows limits how many data rows are parsed (excluding header).
func ParseRecipientRows(r io.Reader, maxRows int) ([]models.Recipient, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, errors.New("csv header row is empty")
	}

	phoneIdx := -1
	bodyIdx := -1
	normalized := make([]string, len(headers))
	for i, h := range headers {
		h = strings.TrimSpace(h)
		normalized[i] = h
		if strings.EqualFold(h, "phone") {
			phoneIdx = i
		}
		if strings.EqualFold(h, "message") {
			bodyIdx = i
		}
	}
	if phoneIdx == -1 {
		return nil, errors.New("csv must contain a Phone column")
	}
	if bodyIdx == -1 {
		return nil, errors.New("csv must contain a Message column")
	}

	if maxRows <= 0 {
		maxRows = 1000
	}

	rows := make([]models.Recipient, 0)
	for len(rows) < maxRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(record) != len(headers) {
			// skip malformed row
			continue
		}

		phone := strings.TrimSpace(record[phoneIdx])
		if phone == "" {
			continue
		}

		fields := make(map[string]string, len(headers)-2)
		for i := range record {
			if i == phoneIdx || i == bodyIdx {
				continue
			}
			key := normalized[i]
			if key == "" {
				continue
			}
			fields[key] = strings.TrimSpace(record[i])
		}

		rows = append(rows, models.Recipient{
			Phone:  phone,
			Body:   strings.TrimSpace(record[bodyIdx]),
			Fields: fields,
		})
	}

	if len(rows) == 0 {
		return nil, errors.New("csv must contain at least one data row")
	}

	return rows, nil
}
