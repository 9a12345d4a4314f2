package checkout

import (
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// MaxLineQuantity ограничивает количество одного товара в заказе.
const MaxLineQuantity = 1000

// LineItemRequest — строка корзины. Цена никогда не принимается от клиента.
type LineItemRequest struct {
	ProductID string `json:"product_id" validate:"required,max=128"`
	Quantity  int32  `json:"quantity" validate:"min=1,max=1000"`
}

// CreateOrderRequest — типизированный запрос на оформление заказа.
// Currency необязательна; указанная валюта должна совпадать с валютой каталога.
type CreateOrderRequest struct {
	Items            []LineItemRequest    `json:"items" validate:"dive"`
	Currency         string               `json:"currency" validate:"omitempty,len=3,alpha"`
	PaymentMethod    domain.PaymentMethod `json:"payment_method" validate:"required,oneof=card paypal qr"`
	PaymentReference string               `json:"payment_reference" validate:"max=255"`
	Shipping         domain.ShippingInfo  `json:"shipping"`
	Notes            string               `json:"notes" validate:"max=2000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	v.RegisterStructValidation(validateShipping, domain.ShippingInfo{})
	return v
}

func validateShipping(sl validator.StructLevel) {
	info := sl.Current().Interface().(domain.ShippingInfo)
	if info.Email != "" {
		if err := sl.Validator().Var(info.Email, "email,max=254"); err != nil {
			sl.ReportError(info.Email, "email", "Email", "email", "")
		}
	}
	fields := map[string]string{
		"name":        info.Name,
		"phone":       info.Phone,
		"line1":       info.Line1,
		"line2":       info.Line2,
		"city":        info.City,
		"postal_code": info.PostalCode,
	}
	for name, value := range fields {
		if len(value) > 255 {
			sl.ReportError(value, name, name, "max", "255")
		}
	}
	if info.Country != "" && len(info.Country) != 2 {
		sl.ReportError(info.Country, "country", "Country", "len", "2")
	}
}

// normalize проверяет запрос, объединяет повторяющиеся товары и сортирует позиции по product_id.
// Валюта заказа всегда равна валюте каталога.
func (r CreateOrderRequest) normalize(catalogCurrency string) (CreateOrderRequest, error) {
	if len(r.Items) == 0 {
		return CreateOrderRequest{}, domain.ErrEmptyCart
	}

	r.PaymentMethod = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(string(r.PaymentMethod))))
	r.PaymentReference = strings.TrimSpace(r.PaymentReference)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Items = append([]LineItemRequest(nil), r.Items...)
	for i := range r.Items {
		r.Items[i].ProductID = strings.TrimSpace(r.Items[i].ProductID)
	}

	if err := validate.Struct(r); err != nil {
		return CreateOrderRequest{}, toValidationError(err)
	}
	if r.Currency != "" && r.Currency != catalogCurrency {
		return CreateOrderRequest{}, &domain.ValidationError{Fields: map[string]string{"currency": "catalog"}}
	}
	r.Currency = catalogCurrency

	merged := make(map[string]int64, len(r.Items))
	for _, item := range r.Items {
		merged[item.ProductID] += int64(item.Quantity)
	}

	items := make([]LineItemRequest, 0, len(merged))
	for id, qty := range merged {
		if qty > MaxLineQuantity {
			return CreateOrderRequest{}, &domain.ValidationError{Fields: map[string]string{"items": "max"}}
		}
		items = append(items, LineItemRequest{ProductID: id, Quantity: int32(qty)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	r.Items = items

	return r, nil
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &domain.ValidationError{Fields: map[string]string{"request": err.Error()}}
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		ns := fe.Namespace()
		if idx := strings.Index(ns, "."); idx >= 0 {
			ns = ns[idx+1:]
		}
		fields[ns] = fe.Tag()
	}
	return &domain.ValidationError{Fields: fields}
}
