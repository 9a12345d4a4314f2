package domain

// Role — роль запрашивающего пользователя.
type Role string

const (
	RoleGuest    Role = "guest"
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// Requester — доверенная идентичность, которую передаёт внешний слой аутентификации.
type Requester struct {
	UserID string
	Role   Role
	Email  string
	Name   string
}

// Guest возвращает анонимного покупателя.
func Guest() Requester {
	return Requester{Role: RoleGuest}
}

// Authenticated сообщает, что запрос пришёл от пользователя с аккаунтом.
func (r Requester) Authenticated() bool {
	return r.UserID != ""
}

// IsAdmin сообщает, что у пользователя административные права.
func (r Requester) IsAdmin() bool {
	return r.Authenticated() && r.Role == RoleAdmin
}

// CanView проверяет право на чтение заказа: владелец или администратор.
func (r Requester) CanView(order Order) bool {
	return r.IsAdmin() || order.OwnedBy(r.UserID)
}
