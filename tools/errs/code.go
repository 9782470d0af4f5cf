package errs

const (
	ServerInternalError = 500

	ConfigInvalidError  = 1001
	SecretMissingError  = 1002
	BackplaneDownError  = 1101
	FrameInvalidError   = 1201
	ChannelMissingError = 1202
)

var (
	ErrConfigInvalid        = NewCodeError(ConfigInvalidError, "config invalid")
	ErrSecretMissing        = NewCodeError(SecretMissingError, "auth secret not configured")
	ErrBackplaneUnavailable = NewCodeError(BackplaneDownError, "backplane unavailable")
	ErrFrameInvalid         = NewCodeError(FrameInvalidError, "frame is not valid json")
	ErrChannelMissing       = NewCodeError(ChannelMissingError, "frame has no channel")
)
