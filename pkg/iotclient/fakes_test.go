package iotclient_test

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/wostzone/iotcentral-go/api"
)

// journal records the order of events across goroutines
type journal struct {
	mutex   sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return append([]string(nil), j.entries...)
}

type commandAck struct {
	name   string
	status int
	body   []byte
}

// fakeSession is a hub session fed by the test
type fakeSession struct {
	journal  *journal
	patches  chan *api.PropertyPatch
	commands chan *api.CommandInvocation

	patchReceives   int32
	commandReceives int32

	mutex      sync.Mutex
	messages   []*api.TelemetryMessage
	properties [][]byte
	acks       []commandAck
	closed     bool

	done     chan struct{}
	doneOnce sync.Once
}

func (session *fakeSession) SendMessage(msg *api.TelemetryMessage) error {
	if session.isDone() {
		return api.ErrSessionTerminated
	}
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.messages = append(session.messages, msg)
	return nil
}

func (session *fakeSession) SendPropertyPatch(patch []byte) error {
	if session.isDone() {
		return api.ErrSessionTerminated
	}
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.properties = append(session.properties, patch)
	return nil
}

func (session *fakeSession) ReceiveDesiredPropertiesPatch(ctx context.Context) (*api.PropertyPatch, error) {
	atomic.AddInt32(&session.patchReceives, 1)
	select {
	case patch := <-session.patches:
		return patch, nil
	case <-session.done:
		return nil, api.ErrSessionTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (session *fakeSession) ReceiveCommand(ctx context.Context) (*api.CommandInvocation, error) {
	atomic.AddInt32(&session.commandReceives, 1)
	select {
	case cmd := <-session.commands:
		return cmd, nil
	case <-session.done:
		return nil, api.ErrSessionTerminated
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (session *fakeSession) AcknowledgeCommand(command *api.CommandInvocation, status int, body []byte) error {
	session.journal.add("ack:" + command.Name)
	session.mutex.Lock()
	defer session.mutex.Unlock()
	session.acks = append(session.acks, commandAck{name: command.Name, status: status, body: body})
	return nil
}

func (session *fakeSession) Close() {
	session.mutex.Lock()
	session.closed = true
	session.mutex.Unlock()
	session.terminate()
}

func (session *fakeSession) terminate() {
	session.doneOnce.Do(func() { close(session.done) })
}

func (session *fakeSession) isDone() bool {
	select {
	case <-session.done:
		return true
	default:
		return false
	}
}

func (session *fakeSession) sentProperties() [][]byte {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return append([][]byte(nil), session.properties...)
}

func (session *fakeSession) sentMessages() []*api.TelemetryMessage {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return append([]*api.TelemetryMessage(nil), session.messages...)
}

func (session *fakeSession) sentAcks() []commandAck {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return append([]commandAck(nil), session.acks...)
}

func (session *fakeSession) isClosed() bool {
	session.mutex.Lock()
	defer session.mutex.Unlock()
	return session.closed
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		journal:  &journal{},
		patches:  make(chan *api.PropertyPatch, 10),
		commands: make(chan *api.CommandInvocation, 10),
		done:     make(chan struct{}),
	}
}

// fakeProvisioner records the registration request
type fakeProvisioner struct {
	mutex      sync.Mutex
	calls      int
	endpoint   string
	identity   api.Identity
	credential *api.Credential
	err        error
	deviceID   string
}

func (prov *fakeProvisioner) Register(ctx context.Context, endpoint string,
	identity api.Identity, credential *api.Credential) (*api.Registration, error) {
	prov.mutex.Lock()
	defer prov.mutex.Unlock()
	prov.calls++
	prov.endpoint = endpoint
	prov.identity = identity
	prov.credential = credential
	if prov.err != nil {
		return nil, prov.err
	}
	deviceID := prov.deviceID
	if deviceID == "" {
		deviceID = identity.DeviceID
	}
	return &api.Registration{AssignedHub: testHub, DeviceID: deviceID}, nil
}

// fakeOpener hands out sessions
type fakeOpener struct {
	mutex       sync.Mutex
	calls       int
	assignedHub string
	identity    api.Identity
	session     *fakeSession
	err         error
}

func (opener *fakeOpener) Open(ctx context.Context, assignedHub string,
	identity api.Identity, credential *api.Credential) (api.IHubSession, error) {
	opener.mutex.Lock()
	defer opener.mutex.Unlock()
	opener.calls++
	opener.assignedHub = assignedHub
	opener.identity = identity
	if opener.err != nil {
		return nil, opener.err
	}
	opener.session = newFakeSession()
	return opener.session, nil
}

func (opener *fakeOpener) lastSession() *fakeSession {
	opener.mutex.Lock()
	defer opener.mutex.Unlock()
	return opener.session
}
