package framework

import (
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/goccy/go-json"
	"gopkg.in/go-playground/validator.v9"
	entranslations "gopkg.in/go-playground/validator.v9/translations/en"

	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

// maxBodyBytes bounds request bodies; credentials and presentations are small JSON documents.
const maxBodyBytes = 1 << 20

// validate holds the settings and caches for validating request payloads.
var validate *validator.Validate

// translator is a cache of locale and translation information.
var translator *ut.UniversalTranslator

func init() {
	// Instantiate validator.
	validate = validator.New()

	// Instantiate the english locale for the validator lib.
	enLocale := en.New()

	// Create a translator using english as the fallback locale (first arg).
	translator = ut.New(enLocale, enLocale)

	// Register english error messages for validation errors.
	lang, _ := translator.GetTranslator("en")
	_ = entranslations.RegisterDefaultTranslations(validate, lang)

	// Use JSON tag names for errors instead of Go struct field names
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode reads an HTTP request body looking for a JSON document and decodes it into val. Struct values are
// checked for validation tags. Failures are validation errors carrying per-field detail.
func Decode(r *http.Request, val any) error {
	if r.Body == nil {
		return svcframework.NewValidationError("request body is required")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(val); err != nil {
		return svcframework.NewValidationError("request body is not valid JSON for this operation")
	}
	return ValidateRequest(val)
}

// ValidateRequest runs the validation tags of val.
func ValidateRequest(val any) error {
	if err := validate.Struct(val); err != nil {
		vErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return svcframework.NewValidationError(err.Error())
		}

		lang, _ := translator.GetTranslator("en")
		fields := make(map[string]string, len(vErrors))
		for _, vError := range vErrors {
			fields[vError.Field()] = vError.Translate(lang)
		}
		return &svcframework.Error{
			Kind:   svcframework.ValidationErrorKind,
			Msg:    "field validation error",
			Fields: fields,
		}
	}
	return nil
}

// GetParam is a utility to get a path parameter from context, nil if not found
func GetParam(c *gin.Context, param string) *string {
	got := c.Param(param)
	if got == "" {
		return nil
	}
	return &got
}

// GetQueryValue is a utility to get a parameter value from the query string, nil if not found
func GetQueryValue(c *gin.Context, param string) *string {
	got, ok := c.GetQuery(param)
	if got == "" || !ok {
		return nil
	}
	return &got
}
