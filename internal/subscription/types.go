package subscription

// State is the subscription manager's lifecycle state.
type State string

const (
	StateUnsubscribed        State = "unsubscribed"
	StatePermissionRequested State = "permission-requested"
	StatePermissionGranted   State = "permission-granted"
	StatePermissionDenied    State = "permission-denied"
	StateSubscribed          State = "subscribed"
)

// PermissionState mirrors the browser notification permission. It is owned by
// the platform and read-only to the application; denied never downgrades back
// to default from inside the application.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// PushSubscription is the browser's registration with the push provider.
type PushSubscription struct {
	Endpoint string           `json:"endpoint"`
	Keys     SubscriptionKeys `json:"keys"`
}

// SubscriptionKeys are the encryption keys the push service encrypts against.
type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// DeviceInfo is the minimal device metadata sent alongside a subscription.
type DeviceInfo struct {
	UserAgent string `json:"userAgent"`
	Platform  string `json:"platform"`
}

// SubscribeRequest is the POST body registering a subscription server-side.
type SubscribeRequest struct {
	Subscription PushSubscription `json:"subscription"`
	DeviceInfo   DeviceInfo       `json:"deviceInfo"`
}

// CapabilityStatus is the server capability probe response. Any non-2xx or
// malformed probe response is treated as not configured.
type CapabilityStatus struct {
	Configured         bool `json:"configured"`
	PublicKeyAvailable bool `json:"publicKeyAvailable"`
}
