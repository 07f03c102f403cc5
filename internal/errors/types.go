package errors

type Kind int

const (
	UnknownError Kind = iota
)

// connection URI
const (
	MalformedUriError Kind = 1000 + iota
	MissingParameterError
	InvalidKeyEncodingError
	InvalidSecretKeyError
)

// lightning address and LNURL-pay
const (
	InvalidLightningAddressError Kind = 2000 + iota
	LnurlFetchError
	LnurlParseError
	AmountOutOfRangeError
	InvoiceFetchError
	InvoiceFieldMissingError
	InvalidInvoiceError
	InvoiceAmountMismatchError
)

// key derivation, encryption, signing
const (
	SerializationError Kind = 3000 + iota
	EncryptionError
	DecryptionError
	SigningError
)

// relay transport
const (
	ConnectionError Kind = 4000 + iota
	ConnectionClosedError
	SubscribeError
	PublishError
)

// protocol and session
const (
	ProtocolError Kind = 5000 + iota
	RelayRejectedError
	PaymentFailedError
	TimeoutError
	AttemptInProgressError
	NotConnectedError
	InvalidStateError
)
