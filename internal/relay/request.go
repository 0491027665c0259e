package relay

import (
	"errors"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const (
	MaxQueryLength     = 10000
	MaxParamLength     = 100
	MaxDocumentsPerAsk = 100
)

// Request is the body of POST /ask-stream. UserID is advisory; the
// authenticated identity always wins.
type Request struct {
	ThreadID      string   `json:"thread_id" validate:"required,max=100"`
	Query         string   `json:"query" validate:"required,max=10000"`
	UserID        string   `json:"user_id"`
	DocumentNames []string `json:"document_names" validate:"required,min=1,max=100"`
}

// Ranks up to lastMissingRank are missing input rather than limits.
const lastMissingRank = 1

type violation struct {
	rank    int
	message string
}

// checkRequest ranks the problems with req in a fixed order: missing fields,
// missing documents, query length, identifier length, document count. The
// first two come back as missing and are checked before the ownership
// lookup; the limits come back as limit and are checked after it.
func checkRequest(v *validator.Validate, userID string, req Request) (missing, limit string) {
	var found []violation
	if err := v.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return "Invalid request", ""
		}
		for _, fe := range verrs {
			found = append(found, classify(fe))
		}
	}
	if utf8.RuneCountInString(userID) > MaxParamLength {
		found = append(found, violation{3, "Invalid parameter length"})
	}
	missingRank, limitRank := -1, -1
	for _, f := range found {
		if f.rank <= lastMissingRank {
			if missingRank < 0 || f.rank < missingRank {
				missingRank, missing = f.rank, f.message
			}
			continue
		}
		if limitRank < 0 || f.rank < limitRank {
			limitRank, limit = f.rank, f.message
		}
	}
	return missing, limit
}

func classify(fe validator.FieldError) violation {
	switch fe.StructField() {
	case "ThreadID":
		if fe.Tag() == "required" {
			return violation{0, "Missing thread_id or query"}
		}
		return violation{3, "Invalid parameter length"}
	case "Query":
		if fe.Tag() == "required" {
			return violation{0, "Missing thread_id or query"}
		}
		return violation{2, "Query too long. Maximum 10000 characters."}
	case "DocumentNames":
		if fe.Tag() == "max" {
			return violation{4, "Too many documents. Maximum 100."}
		}
		return violation{1, "No documents provided"}
	}
	return violation{5, "Invalid request"}
}
