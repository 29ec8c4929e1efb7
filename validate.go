package massager

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate
var enTrans ut.Translator

func init() {
	validate = validator.New()
	english := en.New()
	enTrans, _ = ut.New(english, english).GetTranslator("en")

	// report fields by their wire name
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	addTranslation("required", "{0} is a required field")
	addTranslation("required_without", "{0} is required when {1} is empty")
	addTranslation("email", "{0} must be a valid email address")
	addTranslation("min", "{0} must contain at least {1} entry")
}

func addTranslation(tag, text string) {
	validate.RegisterTranslation(tag, enTrans, func(ut ut.Translator) error {
		return ut.Add(tag, text, true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T(tag, fe.Field(), fe.Param())
		return t
	})
}

// validateStruct runs the struct tags of v and folds any failures into a
// single KindValidation error.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	translated := verrs.Translate(enTrans)
	keys := make([]string, 0, len(translated))
	for k := range translated {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, translated[k])
	}
	return &Error{Kind: KindValidation, Message: strings.Join(msgs, "; "), Err: err}
}

// ValidateNewChat checks a create-chat request locally: a non-empty name and
// at least one member other than self.
func ValidateNewChat(self, name string, members []string) (CreateChatRequest, error) {
	req := CreateChatRequest{ChatName: strings.TrimSpace(name)}
	seen := map[string]bool{}
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		req.MemberIDs = append(req.MemberIDs, m)
	}
	if err := validateStruct(req); err != nil {
		return req, err
	}
	for _, m := range req.MemberIDs {
		if m != self {
			return req, nil
		}
	}
	return req, validationError("chat needs at least one member other than yourself")
}
