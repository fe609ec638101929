package android

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/approov-gateway/provider"
)

type fakeSDK struct {
	config       string
	updateConfig string
	initErr      error
	result       *TokenFetchResult
	async        bool
	lastURL      string
	lastKey      string
	lastNewDef   *string
	dataHash     string
	pinType      string
	deviceID     string
	signature    string
	sdkErr       error
	lastPayload  string
}

func (f *fakeSDK) Initialize(config, updateConfig string) error {
	f.config = config
	f.updateConfig = updateConfig
	return f.initErr
}

func (f *fakeSDK) reply(handler func(TokenFetchResult)) {
	if f.result == nil {
		return
	}
	if f.async {
		r := *f.result
		go handler(r)
		return
	}
	handler(*f.result)
}

func (f *fakeSDK) FetchApproovToken(handler func(TokenFetchResult), url string) {
	f.lastURL = url
	f.reply(handler)
}

func (f *fakeSDK) FetchSecureString(handler func(TokenFetchResult), key string, newDef *string) {
	f.lastKey = key
	f.lastNewDef = newDef
	f.reply(handler)
}

func (f *fakeSDK) FetchConfig() string { return "dynamic" }

func (f *fakeSDK) GetPins(pinType string) map[string][]string {
	f.pinType = pinType
	return map[string][]string{"api.example.com": {"pin"}}
}

func (f *fakeSDK) SetDataHashInToken(data string) { f.dataHash = data }

func (f *fakeSDK) GetDeviceID() (string, error) { return f.deviceID, f.sdkErr }

func (f *fakeSDK) GetMessageSignature(message string) (string, error) {
	if f.signature == "" {
		return "", f.sdkErr
	}
	return f.signature + ":" + message, f.sdkErr
}

func (f *fakeSDK) FetchCustomJWT(handler func(TokenFetchResult), payload string) {
	f.lastPayload = payload
	f.reply(handler)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	a, err := New(Config{SDK: &fakeSDK{}})
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestAdapter_Initialize(t *testing.T) {
	tests := []struct {
		name       string
		dynamic    string
		wantUpdate string
	}{
		{"no persisted config", "", "auto"},
		{"persisted config", "saved", "saved"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sdk := &fakeSDK{}
			a, err := New(Config{SDK: sdk})
			require.NoError(t, err)

			require.NoError(t, a.Initialize(context.Background(), "initial", tt.dynamic))
			assert.Equal(t, "initial", sdk.config)
			assert.Equal(t, tt.wantUpdate, sdk.updateConfig)
		})
	}
}

func TestAdapter_InitializeError(t *testing.T) {
	sdk := &fakeSDK{initErr: errors.New("bad config")}
	a, err := New(Config{SDK: sdk})
	require.NoError(t, err)

	err = a.Initialize(context.Background(), "initial", "")
	assert.ErrorContains(t, err, "bad config")
}

func TestAdapter_FetchToken(t *testing.T) {
	tests := []struct {
		name   string
		result TokenFetchResult
		want   provider.Status
	}{
		{"success", TokenFetchResult{Status: "SUCCESS", Token: "tok"}, provider.StatusSuccess},
		{"no network", TokenFetchResult{Status: "NO_NETWORK"}, provider.StatusNoNetwork},
		{"unprotected", TokenFetchResult{Status: "UNPROTECTED_URL"}, provider.StatusUnprotectedURL},
		{"rejected", TokenFetchResult{Status: "REJECTED", ARC: "ABCD", RejectionReasons: "rooted"}, provider.StatusRejected},
		{"unknown name", TokenFetchResult{Status: "FUTURE_STATUS"}, provider.StatusInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.result
			sdk := &fakeSDK{result: &result, async: true}
			a, err := New(Config{SDK: sdk})
			require.NoError(t, err)

			r, err := a.FetchToken(context.Background(), "https://api.example.com/v1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.result.Token, r.Token)
			assert.Equal(t, tt.result.ARC, r.ARC)
			assert.Equal(t, tt.result.RejectionReasons, r.RejectionReasons)
			assert.Equal(t, "https://api.example.com/v1", sdk.lastURL)
		})
	}
}

func TestAdapter_FetchTokenFlags(t *testing.T) {
	sdk := &fakeSDK{result: &TokenFetchResult{
		Status:           "SUCCESS",
		Token:            "tok",
		IsConfigChanged:  true,
		IsForceApplyPins: true,
		LoggableToken:    `{"exp":1}`,
	}}
	a, err := New(Config{SDK: sdk})
	require.NoError(t, err)

	r, err := a.FetchToken(context.Background(), "https://api.example.com")
	require.NoError(t, err)
	assert.True(t, r.ConfigChanged)
	assert.True(t, r.ForceApplyPins)
	assert.Equal(t, `{"exp":1}`, r.LoggableToken)
}

func TestAdapter_FetchTokenTimeout(t *testing.T) {
	a, err := New(Config{SDK: &fakeSDK{}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = a.FetchToken(ctx, "https://api.example.com")
	assert.ErrorIs(t, err, provider.ErrFetchTimeout)
}

func TestAdapter_FetchSecureString(t *testing.T) {
	sdk := &fakeSDK{result: &TokenFetchResult{Status: "SUCCESS", SecureString: "s3cr3t"}}
	a, err := New(Config{SDK: sdk})
	require.NoError(t, err)

	def := "new"
	r, err := a.FetchSecureString(context.Background(), "api-key", &def)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", r.SecureString)
	assert.Equal(t, "api-key", sdk.lastKey)
	assert.Equal(t, &def, sdk.lastNewDef)
}

func TestAdapter_Passthroughs(t *testing.T) {
	sdk := &fakeSDK{}
	a, err := New(Config{SDK: sdk})
	require.NoError(t, err)

	cfg, err := a.FetchConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "dynamic", cfg)

	assert.Equal(t, []string{"pin"}, a.Pins()["api.example.com"])
	assert.Equal(t, provider.PinTypePublicKeySHA256, sdk.pinType)

	require.NoError(t, a.SetDataHashInToken("Bearer abc"))
	assert.Equal(t, "Bearer abc", sdk.dataHash)
}

func TestAdapter_DeviceID(t *testing.T) {
	sdk := &fakeSDK{deviceID: "android-device"}
	a, err := New(Config{SDK: sdk})
	require.NoError(t, err)

	id, err := a.DeviceID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "android-device", id)

	sdk.sdkErr = errors.New("IllegalState: not initialized")
	_, err = a.DeviceID(context.Background())
	assert.ErrorContains(t, err, "IllegalState")
}

func TestAdapter_MessageSignature(t *testing.T) {
	tests := []struct {
		name    string
		sdk     *fakeSDK
		want    string
		wantErr error
	}{
		{"signed", &fakeSDK{signature: "sig"}, "sig:msg", nil},
		{"no key yet", &fakeSDK{}, "", provider.ErrNoSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(Config{SDK: tt.sdk})
			require.NoError(t, err)

			sig, err := a.MessageSignature(context.Background(), "msg")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sig)
		})
	}
}

func TestAdapter_FetchCustomJWT(t *testing.T) {
	sdk := &fakeSDK{async: true, result: &TokenFetchResult{
		Status:           "REJECTED",
		ARC:              "ARC123",
		RejectionReasons: "rooted",
	}}
	a, err := New(Config{SDK: sdk})
	require.NoError(t, err)

	r, err := a.FetchCustomJWT(context.Background(), `{"sub":"user-1"}`)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusRejected, r.Status)
	assert.Equal(t, "ARC123", r.ARC)
	assert.Equal(t, `{"sub":"user-1"}`, sdk.lastPayload)

	sdk.result = &TokenFetchResult{Status: "SUCCESS", Token: "custom.jwt"}
	r, err = a.FetchCustomJWT(context.Background(), `{}`)
	require.NoError(t, err)
	assert.Equal(t, "custom.jwt", r.Token)
}
