package handler

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pesio-ai/be-crm-leads/internal/errors"
	"github.com/pesio-ai/be-crm-leads/internal/repository"
	"github.com/pesio-ai/be-crm-leads/internal/service"
)

type importRow struct {
	Name     string  `json:"name"`
	Phone    *string `json:"phone"`
	Email    *string `json:"email"`
	Document *string `json:"document"`
}

type importRequest struct {
	FileName string      `json:"file_name"`
	Rows     []importRow `json:"rows"`
}

// parseImport reads an import body. text/csv bodies take the file name from
// the file_name query parameter.
func parseImport(r *http.Request) (*service.ImportBatchRequest, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "text/csv":
		rows, err := parseCSV(r.Body)
		if err != nil {
			return nil, err
		}
		return &service.ImportBatchRequest{FileName: r.URL.Query().Get("file_name"), Rows: rows}, nil

	case "", "application/json":
		var req importRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, errors.InvalidInput("body", "invalid request body: "+err.Error())
		}
		rows := make([]repository.NewLead, len(req.Rows))
		for i, row := range req.Rows {
			rows[i] = repository.NewLead{
				Name:     row.Name,
				Phone:    blankToNil(row.Phone),
				Email:    blankToNil(row.Email),
				Document: blankToNil(row.Document),
			}
		}
		return &service.ImportBatchRequest{FileName: req.FileName, Rows: rows}, nil

	default:
		return nil, errors.InvalidInput("content_type", "unsupported content type "+mediaType)
	}
}

// parseCSV maps columns by header name. Only name is required; unknown
// columns are ignored.
func parseCSV(body io.Reader) ([]repository.NewLead, error) {
	rd := csv.NewReader(body)
	rd.TrimLeadingSpace = true
	rd.FieldsPerRecord = -1

	header, err := rd.Read()
	if err == io.EOF {
		return nil, errors.InvalidInput("file", "csv is empty")
	}
	if err != nil {
		return nil, errors.InvalidInput("file", "invalid csv: "+err.Error())
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := cols["name"]; !ok {
		return nil, errors.InvalidInput("file", "csv header must contain a name column")
	}

	field := func(rec []string, col string) *string {
		i, ok := cols[col]
		if !ok || i >= len(rec) {
			return nil
		}
		return blankToNil(&rec[i])
	}

	var rows []repository.NewLead
	for line := 2; ; line++ {
		rec, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.InvalidInput("file", fmt.Sprintf("invalid csv at line %d: %v", line, err))
		}
		name := field(rec, "name")
		if name == nil {
			return nil, errors.InvalidInput("file", fmt.Sprintf("line %d has no name", line))
		}
		rows = append(rows, repository.NewLead{
			Name:     *name,
			Phone:    field(rec, "phone"),
			Email:    field(rec, "email"),
			Document: field(rec, "document"),
		})
	}
	return rows, nil
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
