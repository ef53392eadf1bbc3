// Package matrix connects Hibiki's session manager to a Matrix homeserver.
//
// Every room is a conversation. The bot accepts invites, answers in the
// room, and authenticates either with a configured access token or through
// SSO pairing: the pairing artifact is the homeserver's SSO login URL, and
// the login token the homeserver hands back to /pair/callback completes an
// m.login.token login.
package matrix

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hibiki/common/redact"
	"github.com/bdobrica/Hibiki/common/retry"
	"github.com/bdobrica/Hibiki/internal/hibiki/session"
)

var _ session.Transport = (*Transport)(nil)

// ErrUnknownPairing is returned by CompletePairing when the nonce does not
// belong to the pairing in progress.
var ErrUnknownPairing = errors.New("matrix: unknown or expired pairing")

// DefaultTypingTimeout bounds how long the homeserver shows the typing
// indicator if the stop request is lost.
const DefaultTypingTimeout = 30 * time.Second

// Config holds Matrix transport configuration.
type Config struct {
	Homeserver string

	// UserID and AccessToken bootstrap credentials when none are stored.
	// Leave AccessToken empty to pair through SSO instead.
	UserID      string
	AccessToken string

	// DeviceName is the display name of devices created by pairing.
	DeviceName string

	// PublicURL is where the admin server is reachable from a browser. The
	// SSO redirect lands on PublicURL + "/pair/callback".
	PublicURL string

	// DB holds the sync position and paired credentials.
	DB *sql.DB

	// MasterKey, when set, seals the stored access token.
	MasterKey []byte

	// IgnoreInvites leaves room invites pending instead of joining.
	IgnoreInvites bool

	TypingTimeout time.Duration
	Logger        *slog.Logger
}

// Transport implements session.Transport with mautrix.
type Transport struct {
	cfg    Config
	client *mautrix.Client
	syncer *mautrix.DefaultSyncer
	creds  *CredentialStore
	logger *slog.Logger

	mu      sync.Mutex
	deliver func(session.InboundMessage)
	pending *pendingPairing
}

type pendingPairing struct {
	nonce string
	token chan string
}

// failFastSyncer hands sync failures back to SyncWithContext's caller
// instead of retrying inside mautrix, so the session manager classifies
// and schedules every reconnect.
type failFastSyncer struct {
	*mautrix.DefaultSyncer
}

func (failFastSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

// New creates a Transport. It does not contact the homeserver.
func New(cfg Config) (*Transport, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix: homeserver is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("matrix: database is required")
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Hibiki"
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = DefaultTypingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	client.Store = NewSyncStore(cfg.DB)

	syncer := mautrix.NewDefaultSyncer()
	client.Syncer = failFastSyncer{syncer}

	t := &Transport{
		cfg:    cfg,
		client: client,
		syncer: syncer,
		creds:  NewCredentialStore(cfg.DB, WithMasterKey(cfg.MasterKey)),
		logger: cfg.Logger,
	}

	// History from before the first sync is not answered.
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, t.handleMessage)
	syncer.OnEventType(event.StateMember, t.handleMember)
	return t, nil
}

// UserID returns the logged-in user, or "" before Dial succeeds.
func (t *Transport) UserID() id.UserID { return t.client.UserID }

// Dial resumes stored credentials or pairs a new device.
func (t *Transport) Dial(ctx context.Context, pair func(artifact string)) error {
	creds, err := t.creds.Load(ctx)
	if err != nil {
		return err
	}
	if !creds.Valid() && t.cfg.AccessToken != "" {
		creds = Credentials{
			Homeserver:  t.cfg.Homeserver,
			UserID:      id.UserID(t.cfg.UserID),
			AccessToken: t.cfg.AccessToken,
		}
	}
	if creds.Valid() {
		return t.resume(ctx, creds)
	}
	return t.pair(ctx, pair)
}

func (t *Transport) resume(ctx context.Context, creds Credentials) error {
	t.client.UserID = creds.UserID
	t.client.AccessToken = creds.AccessToken
	t.client.DeviceID = creds.DeviceID

	who, err := t.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix: whoami: %w", classify(err))
	}
	if creds.DeviceID != "" && who.DeviceID != "" && who.DeviceID != creds.DeviceID {
		return fmt.Errorf("%w: token now belongs to device %s, expected %s",
			session.ErrReplaced, who.DeviceID, creds.DeviceID)
	}

	if creds.DeviceID == "" || creds.UserID != who.UserID {
		creds.UserID = who.UserID
		creds.DeviceID = who.DeviceID
		creds.Homeserver = t.cfg.Homeserver
		t.client.UserID = who.UserID
		t.client.DeviceID = who.DeviceID
		if err := t.creds.Save(ctx, creds); err != nil {
			return err
		}
	}
	t.logger.Info("matrix: resumed session", "user_id", who.UserID, "device_id", who.DeviceID)
	return nil
}

func (t *Transport) pair(ctx context.Context, pair func(string)) error {
	nonce := ulid.Make().String()
	artifact, err := t.ssoURL(nonce)
	if err != nil {
		return err
	}

	p := &pendingPairing{nonce: nonce, token: make(chan string, 1)}
	t.mu.Lock()
	t.pending = p
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		if t.pending == p {
			t.pending = nil
		}
		t.mu.Unlock()
	}()

	t.logger.Info("matrix: waiting for pairing", "homeserver", t.cfg.Homeserver)
	pair(artifact)

	var token string
	select {
	case token = <-p.token:
	case <-ctx.Done():
		return ctx.Err()
	}

	resp, err := t.client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: t.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix: token login: %w", classify(err))
	}

	creds := Credentials{
		Homeserver:  t.cfg.Homeserver,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	}
	if err := t.creds.Save(ctx, creds); err != nil {
		return err
	}
	t.logger.Info("matrix: paired new device", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// ssoURL builds the homeserver SSO redirect whose callback carries nonce.
func (t *Transport) ssoURL(nonce string) (string, error) {
	if t.cfg.PublicURL == "" {
		return "", errors.New("matrix: pairing requires a public url for the sso callback")
	}
	callback, err := url.Parse(strings.TrimRight(t.cfg.PublicURL, "/") + "/pair/callback")
	if err != nil {
		return "", fmt.Errorf("matrix: parse public url: %w", err)
	}
	q := callback.Query()
	q.Set("nonce", nonce)
	callback.RawQuery = q.Encode()

	sso, err := url.Parse(strings.TrimRight(t.cfg.Homeserver, "/") + "/_matrix/client/v3/login/sso/redirect")
	if err != nil {
		return "", fmt.Errorf("matrix: parse homeserver url: %w", err)
	}
	q = sso.Query()
	q.Set("redirectUrl", callback.String())
	sso.RawQuery = q.Encode()
	return sso.String(), nil
}

// CompletePairing hands the login token from the SSO callback to the Dial
// waiting on nonce.
func (t *Transport) CompletePairing(nonce, loginToken string) error {
	if loginToken == "" {
		return errors.New("matrix: missing login token")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	if p == nil || subtle.ConstantTimeCompare([]byte(p.nonce), []byte(nonce)) != 1 {
		return ErrUnknownPairing
	}
	t.pending = nil
	p.token <- loginToken
	return nil
}

// Listen syncs until the connection fails or ctx ends.
func (t *Transport) Listen(ctx context.Context, deliver func(session.InboundMessage)) error {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.deliver = nil
		t.mu.Unlock()
	}()

	err := t.client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classify(err)
}

func (t *Transport) handleMessage(_ context.Context, evt *event.Event) {
	msg, ok := InboundFromEvent(evt, t.client.UserID)
	if !ok {
		return
	}
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver != nil {
		deliver(msg)
	}
}

func (t *Transport) handleMember(ctx context.Context, evt *event.Event) {
	if t.cfg.IgnoreInvites || evt.GetStateKey() != t.client.UserID.String() {
		return
	}
	if evt.Content.AsMember().Membership != event.MembershipInvite {
		return
	}
	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: time.Second}, func() error {
		_, err := t.client.JoinRoomByID(ctx, evt.RoomID)
		return err
	})
	if err != nil {
		t.logger.Warn("matrix: failed to accept invite", "room_id", evt.RoomID, "inviter", evt.Sender, "err", err)
		return
	}
	t.logger.Info("matrix: joined room", "room_id", evt.RoomID, "inviter", evt.Sender)
}

// Send posts a text or media message to the room conversationID. Notices
// go out as m.notice.
func (t *Transport) Send(ctx context.Context, conversationID string, p session.Payload) (string, error) {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: p.Text}
	if p.Notice {
		content.MsgType = event.MsgNotice
	}
	if len(p.Media) > 0 {
		up, err := t.client.UploadBytes(ctx, p.Media, p.MimeType)
		if err != nil {
			return "", fmt.Errorf("matrix: upload media: %w", classify(err))
		}
		content = mediaContent(up.ContentURI.CUString(), p)
	}

	resp, err := t.client.SendMessageEvent(ctx, id.RoomID(conversationID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("matrix: send message: %w", classify(err))
	}
	return resp.EventID.String(), nil
}

func mediaContent(uri id.ContentURIString, p session.Payload) *event.MessageEventContent {
	name := p.FileName
	if name == "" {
		name = "file"
	}
	msgType := event.MsgFile
	switch {
	case strings.HasPrefix(p.MimeType, "image/"):
		msgType = event.MsgImage
	case strings.HasPrefix(p.MimeType, "audio/"):
		msgType = event.MsgAudio
	case strings.HasPrefix(p.MimeType, "video/"):
		msgType = event.MsgVideo
	}
	body := name
	if p.Caption != "" {
		body = p.Caption
	}
	return &event.MessageEventContent{
		MsgType:  msgType,
		Body:     body,
		FileName: name,
		URL:      uri,
		Info: &event.FileInfo{
			MimeType: p.MimeType,
			Size:     len(p.Media),
		},
	}
}

func (t *Transport) SetComposing(ctx context.Context, conversationID string, on bool) error {
	_, err := t.client.UserTyping(ctx, id.RoomID(conversationID), on, t.cfg.TypingTimeout)
	if err != nil {
		return fmt.Errorf("matrix: set typing: %w", classify(err))
	}
	return nil
}

// Download fetches an mxc:// URI.
func (t *Transport) Download(ctx context.Context, ref session.MediaRef) ([]byte, error) {
	uri, err := id.ParseContentURI(ref.URI)
	if err != nil {
		return nil, fmt.Errorf("matrix: parse media uri %q: %w", redact.URL(ref.URI), err)
	}
	data, err := t.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("matrix: download media: %w", classify(err))
	}
	return data, nil
}

// Forget drops stored credentials; the next Dial pairs again.
func (t *Transport) Forget(ctx context.Context) error {
	t.client.AccessToken = ""
	t.client.DeviceID = ""
	return t.creds.Clear(ctx)
}

func (t *Transport) Close() error {
	t.client.StopSync()
	return nil
}

// classify maps homeserver errors onto session disconnect causes.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mautrix.MUnknownToken),
		errors.Is(err, mautrix.MMissingToken),
		errors.Is(err, mautrix.MUserDeactivated):
		return fmt.Errorf("%w: %v", session.ErrLoggedOut, err)
	case errors.Is(err, mautrix.MUnrecognized):
		return fmt.Errorf("%w: %v", session.ErrProtocolMismatch, err)
	default:
		return err
	}
}

// InboundFromEvent converts a room message event. Edits, m.notice from
// other bots and message types Hibiki does not handle are skipped.
func InboundFromEvent(evt *event.Event, self id.UserID) (session.InboundMessage, bool) {
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType == "" {
		return session.InboundMessage{}, false
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return session.InboundMessage{}, false
	}

	msg := session.InboundMessage{
		ID:             evt.ID.String(),
		ConversationID: evt.RoomID.String(),
		SenderID:       evt.Sender.String(),
		FromSelf:       evt.Sender == self,
		TimestampMs:    evt.Timestamp,
	}

	switch content.MsgType {
	case event.MsgText, event.MsgEmote:
		msg.Body = content.Body
		return msg, true
	case event.MsgAudio:
		msg.MediaKind = session.MediaAudio
	case event.MsgImage:
		msg.MediaKind = session.MediaImage
	case event.MsgVideo:
		msg.MediaKind = session.MediaVideo
	case event.MsgFile:
		msg.MediaKind = session.MediaDocument
	default:
		return session.InboundMessage{}, false
	}

	ref := &session.MediaRef{URI: string(content.URL), FileName: content.Body}
	if content.FileName != "" {
		ref.FileName = content.FileName
		if content.Body != content.FileName {
			msg.MediaCaption = content.Body
		}
	}
	if info := content.Info; info != nil {
		ref.MimeType = info.MimeType
		ref.Size = int64(info.Size)
		ref.Duration = time.Duration(info.Duration) * time.Millisecond
	}
	msg.Media = ref
	return msg, true
}
