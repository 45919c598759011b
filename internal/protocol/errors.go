package protocol

// Error codes carried in structured error replies.
const (
	ErrAuthMissingCredentials   = "AUTH_MISSING_CREDENTIALS"
	ErrCredentialsTooLong       = "CREDENTIALS_TOO_LONG"
	ErrUserNotFound             = "USER_NOT_FOUND"
	ErrIncorrectPassword        = "INCORRECT_PASSWORD"
	ErrSignupMissingCredentials = "SIGNUP_MISSING_CREDENTIALS"
	ErrFieldsTooLong            = "FIELDS_TOO_LONG"
	ErrInvalidNameFormat        = "INVALID_NAME_FORMAT"
	ErrInvalidUsername          = "INVALID_USERNAME"
	ErrWeakPassword             = "WEAK_PASSWORD"
	ErrUsernameExists           = "USERNAME_EXISTS"
	ErrMissingRefreshToken      = "MISSING_REFRESH_TOKEN"
	ErrRefreshFailed            = "REFRESH_FAILED"
	ErrMissingToken             = "MISSING_TOKEN"
	ErrTokenExpired             = "TOKEN_EXPIRED"
	ErrInvalidToken             = "INVALID_TOKEN"
	ErrInvalidUser              = "INVALID_USER"
	ErrMissingFields            = "MISSING_FIELDS"
	ErrMissingUserID            = "MISSING_USER_ID"
	ErrAddContactFailed         = "ADD_CONTACT_FAILED"
	ErrFetchFailed              = "FETCH_FAILED"
	ErrTargetNotAvailable       = "TARGET_NOT_AVAILABLE"
	ErrTargetNotConnected       = "TARGET_NOT_CONNECTED"
	ErrCallerNotAvailable       = "CALLER_NOT_AVAILABLE"
	ErrNotConnected             = "NOT_CONNECTED"
	ErrNoActiveConnection       = "NO_ACTIVE_CONNECTION"
	ErrCallHistoryError         = "CALL_HISTORY_ERROR"
	ErrUnknown                  = "UNKNOWN_ERROR"
)
