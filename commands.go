package kilovolt

// ProtoVersion is the minimum Kilovolt protocol version this client speaks.
// Servers announcing an older version in their hello message are rejected.
const ProtoVersion = "v9"

// Commands
const (
	CmdProtoVersion      = "version"
	CmdReadKey           = "kget"
	CmdReadBulk          = "kget-bulk"
	CmdReadPrefix        = "kget-all"
	CmdWriteKey          = "kset"
	CmdWriteBulk         = "kset-bulk"
	CmdRemoveKey         = "kdel"
	CmdSubscribeKey      = "ksub"
	CmdSubscribePrefix   = "ksub-prefix"
	CmdUnsubscribeKey    = "kunsub"
	CmdUnsubscribePrefix = "kunsub-prefix"
	CmdListKeys          = "klist"
	CmdAuthRequest       = "klogin"
	CmdAuthChallenge     = "kauth"
)

// ErrCode is a machine-readable error code carried by server error responses.
type ErrCode string

// Error codes the server may return
const (
	ErrServerError  ErrCode = "server error"
	ErrInvalidFmt   ErrCode = "invalid message format"
	ErrMissingParam ErrCode = "required parameter missing"
	ErrUnknownCmd   ErrCode = "unknown command"
	ErrAuthNotInit  ErrCode = "authentication not initialized"
	ErrAuthFailed   ErrCode = "authentication failed"
	ErrAuthRequired ErrCode = "authentication required"
)
