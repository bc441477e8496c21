package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

// maxBodyBytes bounds request bodies; a classify batch of tens of thousands
// of records fits comfortably.
const maxBodyBytes = 32 << 20

var errBadRequest = errors.New("bad request")

type validatorSvc struct {
	validate   *validator.Validate
	translator ut.Translator
}

var (
	validatorOnce sync.Once
	validatorInst *validatorSvc
)

func getValidator() *validatorSvc {
	validatorOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		trans, _ := uni.GetTranslator("en")

		v := validator.New(validator.WithRequiredStructEnabled())
		// prefer json tag names in messages
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(v, trans)

		validatorInst = &validatorSvc{validate: v, translator: trans}
	})
	return validatorInst
}

// decodeJSON decodes the body into T and validates it. Failures wrap
// errBadRequest.
func decodeJSON[T any](r *http.Request) (T, error) {
	var dst T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&dst); err != nil {
		if errors.Is(err, io.EOF) {
			return dst, fmt.Errorf("%w: empty body", errBadRequest)
		}
		return dst, fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	if dec.More() {
		return dst, fmt.Errorf("%w: unexpected trailing data", errBadRequest)
	}
	if err := validateStruct(dst); err != nil {
		return dst, err
	}
	return dst, nil
}

func validateStruct(v any) error {
	svc := getValidator()
	err := svc.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("%w: %s", errBadRequest, verrs[0].Translate(svc.translator))
	}
	return fmt.Errorf("%w: %v", errBadRequest, err)
}
