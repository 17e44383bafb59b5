package models

// User is a directory entry managed through the backend user endpoints.
type User struct {
	ID          int64   `json:"id" yaml:"id"`
	UserName    string  `json:"userName" yaml:"userName"`
	FirstName   string  `json:"firstName" yaml:"firstName"`
	MiddleName  string  `json:"middleName,omitempty" yaml:"middleName,omitempty"`
	LastName    string  `json:"lastName" yaml:"lastName"`
	DateOfBirth string  `json:"dateOfBirth,omitempty" yaml:"dateOfBirth,omitempty"`
	ContactNo   string  `json:"contactNo,omitempty" yaml:"contactNo,omitempty"`
	Email       string  `json:"email" yaml:"email"`
	Address     string  `json:"address,omitempty" yaml:"address,omitempty"`
	Picture     *string `json:"picture,omitempty" yaml:"picture,omitempty"`
	Status      bool    `json:"status" yaml:"status"`
}

// FullName joins the non-empty name parts.
func (u User) FullName() string {
	name := u.FirstName
	for _, part := range []string{u.MiddleName, u.LastName} {
		if part == "" {
			continue
		}

		if name != "" {
			name += " "
		}

		name += part
	}

	return name
}

// CreateUserRequest is the body of POST /api/users.
type CreateUserRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Phone    string `json:"phone,omitempty"`
	Location string `json:"location,omitempty"`
	Role     string `json:"role,omitempty"`
}

// UpdateUserRequest is the body of PUT /api/users/{username}.
type UpdateUserRequest struct {
	Name     *string `json:"name,omitempty"`
	Email    *string `json:"email,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Location *string `json:"location,omitempty"`
	Role     *string `json:"role,omitempty"`
	Status   *string `json:"status,omitempty"`
}

// UserPage is one page of the user listing.
type UserPage struct {
	Users    []User `json:"users" yaml:"users"`
	Total    int    `json:"total" yaml:"total"`
	Page     int    `json:"page" yaml:"page"`
	PageSize int    `json:"pageSize" yaml:"pageSize"`
}
