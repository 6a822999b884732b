package proto

import "fmt"

// ErrUnknownTag is returned by Decode when a message tag is not recognized.
type ErrUnknownTag struct{ Tag uint32 }

func (e ErrUnknownTag) Error() string { return fmt.Sprintf("proto: unknown message tag %d", e.Tag) }

// Client-to-server message tags.
const (
	TagHello uint32 = iota
	TagGoodbye
	TagJoinProject
	TagLeaveProject
	TagSyncMessage
	TagSyncRequest
	TagOpenFile
	TagCloseFile
	TagCursorUpdate
	TagPresenceUpdate
	TagChatMessage
	TagVoiceJoin
	TagVoiceLeave
	TagPing
)

// Server-to-client message tags.
const (
	TagWelcome uint32 = iota
	TagError
	TagServerGoodbye
	TagProjectJoined
	TagPeerJoined
	TagProjectLeft
	TagPeerLeft
	TagServerSyncMessage
	TagSyncComplete
	TagFileContent
	TagFileNotFound
	TagCursorBroadcast
	TagPresenceBroadcast
	TagChatBroadcast
	TagChatHistory
	TagVoiceToken
	TagPong
	TagStats
)

// Status is a peer's presence status.
type Status uint8

const (
	StatusActive Status = iota
	StatusIdle
	StatusAway
	StatusOffline
)

// ErrorCode enumerates the server error taxonomy from the wire spec.
type ErrorCode uint16

const (
	ErrUnknown ErrorCode = iota
	ErrInvalidMessage
	ErrUnauthorized
	ErrProjectNotFound
	ErrFileNotFound
	ErrRateLimited
	ErrServerError
	ErrVersionMismatch
	ErrProjectFull
	ErrAlreadyJoined
	ErrNotJoined
)

// PeerInfo is the presence snapshot shared with peers on join.
type PeerInfo struct {
	PeerID      string
	DisplayName string
	Color       string
	Status      Status
	ActiveFile  *string
}

// ChatEntryWire is the wire representation of one chat ring entry.
type ChatEntryWire struct {
	PeerID      string
	DisplayName string
	Content     string
	Timestamp   int64
}

// SelectionEnd is the optional end-of-selection cursor coordinate.
type SelectionEnd struct {
	Line   uint32
	Column uint32
}

// ---- Client -> server messages ----

type Hello struct {
	ProtocolVersion uint8
	ClientID        *string
	ClientName      string
	SessionToken    *string
}

type Goodbye struct{ Reason *string }

type JoinProject struct {
	ProjectID    string
	RequestState bool
}

type LeaveProject struct{ ProjectID string }

type SyncMessage struct {
	ProjectID string
	SyncData  []byte
}

type SyncRequest struct{ ProjectID string }

type OpenFile struct {
	ProjectID string
	FilePath  string
}

type CloseFile struct {
	ProjectID string
	FilePath  string
}

type CursorUpdate struct {
	ProjectID    string
	FilePath     string
	Line         uint32
	Column       uint32
	SelectionEnd *SelectionEnd
}

type PresenceUpdate struct {
	ProjectID  string
	Status     Status
	ActiveFile *string
}

type ChatMessage struct {
	ProjectID string
	Content   string
}

type VoiceJoin struct{ ProjectID string }
type VoiceLeave struct{ ProjectID string }
type Ping struct{ Timestamp uint64 }

// ClientMessage is the decoded tagged union of every client->server message.
// Exactly one field besides Tag is populated, matching the message's tag.
type ClientMessage struct {
	Tag            uint32
	Hello          *Hello
	Goodbye        *Goodbye
	JoinProject    *JoinProject
	LeaveProject   *LeaveProject
	SyncMessage    *SyncMessage
	SyncRequest    *SyncRequest
	OpenFile       *OpenFile
	CloseFile      *CloseFile
	CursorUpdate   *CursorUpdate
	PresenceUpdate *PresenceUpdate
	ChatMessage    *ChatMessage
	VoiceJoin      *VoiceJoin
	VoiceLeave     *VoiceLeave
	Ping           *Ping
}

// EncodeClient structurally encodes a client->server message payload
// (the tag itself is the first u32 LE field, per §6.2).
func EncodeClient(m ClientMessage) []byte {
	w := NewWriter(64)
	w.PutU32(m.Tag)
	switch m.Tag {
	case TagHello:
		h := m.Hello
		w.PutU8(h.ProtocolVersion)
		w.PutOptionString(h.ClientID)
		w.PutString(h.ClientName)
		w.PutOptionString(h.SessionToken)
	case TagGoodbye:
		w.PutOptionString(m.Goodbye.Reason)
	case TagJoinProject:
		w.PutString(m.JoinProject.ProjectID)
		w.PutBool(m.JoinProject.RequestState)
	case TagLeaveProject:
		w.PutString(m.LeaveProject.ProjectID)
	case TagSyncMessage:
		w.PutString(m.SyncMessage.ProjectID)
		w.PutBytes(m.SyncMessage.SyncData)
	case TagSyncRequest:
		w.PutString(m.SyncRequest.ProjectID)
	case TagOpenFile:
		w.PutString(m.OpenFile.ProjectID)
		w.PutString(m.OpenFile.FilePath)
	case TagCloseFile:
		w.PutString(m.CloseFile.ProjectID)
		w.PutString(m.CloseFile.FilePath)
	case TagCursorUpdate:
		c := m.CursorUpdate
		w.PutString(c.ProjectID)
		w.PutString(c.FilePath)
		w.PutU32(c.Line)
		w.PutU32(c.Column)
		if c.SelectionEnd == nil {
			w.PutOptionAbsent()
		} else {
			w.PutOptionPresent()
			w.PutU32(c.SelectionEnd.Line)
			w.PutU32(c.SelectionEnd.Column)
		}
	case TagPresenceUpdate:
		p := m.PresenceUpdate
		w.PutString(p.ProjectID)
		w.PutU8(uint8(p.Status))
		w.PutOptionString(p.ActiveFile)
	case TagChatMessage:
		w.PutString(m.ChatMessage.ProjectID)
		w.PutString(m.ChatMessage.Content)
	case TagVoiceJoin:
		w.PutString(m.VoiceJoin.ProjectID)
	case TagVoiceLeave:
		w.PutString(m.VoiceLeave.ProjectID)
	case TagPing:
		w.PutU64(m.Ping.Timestamp)
	}
	return w.Bytes()
}

// DecodeClient decodes a client->server message payload.
func DecodeClient(payload []byte) (ClientMessage, error) {
	r := NewReader(payload)
	tag, err := r.GetU32()
	if err != nil {
		return ClientMessage{}, err
	}
	var m ClientMessage
	m.Tag = tag
	switch tag {
	case TagHello:
		h := &Hello{}
		if h.ProtocolVersion, err = r.GetU8(); err != nil {
			return m, err
		}
		if h.ClientID, err = r.GetOptionString(); err != nil {
			return m, err
		}
		if h.ClientName, err = r.GetString(); err != nil {
			return m, err
		}
		if h.SessionToken, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.Hello = h
	case TagGoodbye:
		g := &Goodbye{}
		if g.Reason, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.Goodbye = g
	case TagJoinProject:
		j := &JoinProject{}
		if j.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if j.RequestState, err = r.GetBool(); err != nil {
			return m, err
		}
		m.JoinProject = j
	case TagLeaveProject:
		l := &LeaveProject{}
		if l.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		m.LeaveProject = l
	case TagSyncMessage:
		s := &SyncMessage{}
		if s.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if s.SyncData, err = r.GetBytes(); err != nil {
			return m, err
		}
		m.SyncMessage = s
	case TagSyncRequest:
		s := &SyncRequest{}
		if s.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		m.SyncRequest = s
	case TagOpenFile:
		o := &OpenFile{}
		if o.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if o.FilePath, err = r.GetString(); err != nil {
			return m, err
		}
		m.OpenFile = o
	case TagCloseFile:
		c := &CloseFile{}
		if c.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.FilePath, err = r.GetString(); err != nil {
			return m, err
		}
		m.CloseFile = c
	case TagCursorUpdate:
		c := &CursorUpdate{}
		if c.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.FilePath, err = r.GetString(); err != nil {
			return m, err
		}
		if c.Line, err = r.GetU32(); err != nil {
			return m, err
		}
		if c.Column, err = r.GetU32(); err != nil {
			return m, err
		}
		present, err2 := r.GetOptionPresent()
		if err2 != nil {
			return m, err2
		}
		if present {
			se := &SelectionEnd{}
			if se.Line, err = r.GetU32(); err != nil {
				return m, err
			}
			if se.Column, err = r.GetU32(); err != nil {
				return m, err
			}
			c.SelectionEnd = se
		}
		m.CursorUpdate = c
	case TagPresenceUpdate:
		p := &PresenceUpdate{}
		if p.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		status, err2 := r.GetU8()
		if err2 != nil {
			return m, err2
		}
		p.Status = Status(status)
		if p.ActiveFile, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.PresenceUpdate = p
	case TagChatMessage:
		c := &ChatMessage{}
		if c.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.Content, err = r.GetString(); err != nil {
			return m, err
		}
		m.ChatMessage = c
	case TagVoiceJoin:
		v := &VoiceJoin{}
		if v.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		m.VoiceJoin = v
	case TagVoiceLeave:
		v := &VoiceLeave{}
		if v.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		m.VoiceLeave = v
	case TagPing:
		p := &Ping{}
		if p.Timestamp, err = r.GetU64(); err != nil {
			return m, err
		}
		m.Ping = p
	default:
		return m, ErrUnknownTag{Tag: tag}
	}
	return m, nil
}

// ---- Server -> client messages ----

type Welcome struct {
	ProtocolVersion uint8
	PeerID          string
	Color           string
	SessionToken    string
	ServerTime      int64
}

type ServerError struct {
	Code      ErrorCode
	Message   string
	ProjectID *string
}

type ServerGoodbye struct{ Reason *string }

type ProjectJoined struct {
	ProjectID     string
	Peers         []PeerInfo
	DocumentState []byte // nil means absent
}

type PeerJoined struct {
	ProjectID string
	Peer      PeerInfo
}

type ProjectLeft struct{ ProjectID string }

type PeerLeft struct {
	ProjectID string
	PeerID    string
	Reason    *string
}

type ServerSyncMessage struct {
	ProjectID string
	SyncData  []byte
	FromPeer  *string
}

type SyncComplete struct{ ProjectID string }

type FileContent struct {
	ProjectID string
	FilePath  string
	Content   string
	Language  string
	Version   uint64
}

type FileNotFound struct {
	ProjectID string
	FilePath  string
}

type CursorBroadcast struct {
	ProjectID    string
	PeerID       string
	PeerName     string
	PeerColor    string
	FilePath     string
	Line         uint32
	Column       uint32
	SelectionEnd *SelectionEnd
}

type PresenceBroadcast struct {
	ProjectID  string
	PeerID     string
	PeerName   string
	Status     Status
	ActiveFile *string
	LastActive int64
}

type ChatBroadcast struct {
	ProjectID string
	PeerID    string
	PeerName  string
	Content   string
	Timestamp int64
}

type ChatHistory struct {
	ProjectID string
	Messages  []ChatEntryWire
}

type VoiceToken struct {
	ProjectID string
	Token     string
	RoomName  string
	ServerURL string
}

type Pong struct {
	Timestamp  uint64
	ServerTime int64
}

type Stats struct {
	ActiveProjects uint32
	ActivePeers    uint32
	UptimeSeconds  uint64
}

// ServerMessage is the decoded tagged union of every server->client message.
type ServerMessage struct {
	Tag               uint32
	Welcome           *Welcome
	Error             *ServerError
	Goodbye           *ServerGoodbye
	ProjectJoined     *ProjectJoined
	PeerJoined        *PeerJoined
	ProjectLeft       *ProjectLeft
	PeerLeft          *PeerLeft
	SyncMessage       *ServerSyncMessage
	SyncComplete      *SyncComplete
	FileContent       *FileContent
	FileNotFound      *FileNotFound
	CursorBroadcast   *CursorBroadcast
	PresenceBroadcast *PresenceBroadcast
	ChatBroadcast     *ChatBroadcast
	ChatHistory       *ChatHistory
	VoiceToken        *VoiceToken
	Pong              *Pong
	Stats             *Stats
}

func putPeerInfo(w *Writer, p PeerInfo) {
	w.PutString(p.PeerID)
	w.PutString(p.DisplayName)
	w.PutString(p.Color)
	w.PutU8(uint8(p.Status))
	w.PutOptionString(p.ActiveFile)
}

func getPeerInfo(r *Reader) (PeerInfo, error) {
	var p PeerInfo
	var err error
	if p.PeerID, err = r.GetString(); err != nil {
		return p, err
	}
	if p.DisplayName, err = r.GetString(); err != nil {
		return p, err
	}
	if p.Color, err = r.GetString(); err != nil {
		return p, err
	}
	status, err := r.GetU8()
	if err != nil {
		return p, err
	}
	p.Status = Status(status)
	if p.ActiveFile, err = r.GetOptionString(); err != nil {
		return p, err
	}
	return p, nil
}

// EncodeServer structurally encodes a server->client message payload.
func EncodeServer(m ServerMessage) []byte {
	w := NewWriter(64)
	w.PutU32(m.Tag)
	switch m.Tag {
	case TagWelcome:
		wl := m.Welcome
		w.PutU8(wl.ProtocolVersion)
		w.PutString(wl.PeerID)
		w.PutString(wl.Color)
		w.PutString(wl.SessionToken)
		w.PutI64(wl.ServerTime)
	case TagError:
		e := m.Error
		w.PutU16(uint16(e.Code))
		w.PutString(e.Message)
		w.PutOptionString(e.ProjectID)
	case TagServerGoodbye:
		w.PutOptionString(m.Goodbye.Reason)
	case TagProjectJoined:
		pj := m.ProjectJoined
		w.PutString(pj.ProjectID)
		w.PutU32(uint32(len(pj.Peers)))
		for _, p := range pj.Peers {
			putPeerInfo(w, p)
		}
		if pj.DocumentState == nil {
			w.PutOptionAbsent()
		} else {
			w.PutOptionPresent()
			w.PutBytes(pj.DocumentState)
		}
	case TagPeerJoined:
		w.PutString(m.PeerJoined.ProjectID)
		putPeerInfo(w, m.PeerJoined.Peer)
	case TagProjectLeft:
		w.PutString(m.ProjectLeft.ProjectID)
	case TagPeerLeft:
		pl := m.PeerLeft
		w.PutString(pl.ProjectID)
		w.PutString(pl.PeerID)
		w.PutOptionString(pl.Reason)
	case TagServerSyncMessage:
		sm := m.SyncMessage
		w.PutString(sm.ProjectID)
		w.PutBytes(sm.SyncData)
		w.PutOptionString(sm.FromPeer)
	case TagSyncComplete:
		w.PutString(m.SyncComplete.ProjectID)
	case TagFileContent:
		fc := m.FileContent
		w.PutString(fc.ProjectID)
		w.PutString(fc.FilePath)
		w.PutString(fc.Content)
		w.PutString(fc.Language)
		w.PutU64(fc.Version)
	case TagFileNotFound:
		w.PutString(m.FileNotFound.ProjectID)
		w.PutString(m.FileNotFound.FilePath)
	case TagCursorBroadcast:
		c := m.CursorBroadcast
		w.PutString(c.ProjectID)
		w.PutString(c.PeerID)
		w.PutString(c.PeerName)
		w.PutString(c.PeerColor)
		w.PutString(c.FilePath)
		w.PutU32(c.Line)
		w.PutU32(c.Column)
		if c.SelectionEnd == nil {
			w.PutOptionAbsent()
		} else {
			w.PutOptionPresent()
			w.PutU32(c.SelectionEnd.Line)
			w.PutU32(c.SelectionEnd.Column)
		}
	case TagPresenceBroadcast:
		p := m.PresenceBroadcast
		w.PutString(p.ProjectID)
		w.PutString(p.PeerID)
		w.PutString(p.PeerName)
		w.PutU8(uint8(p.Status))
		w.PutOptionString(p.ActiveFile)
		w.PutI64(p.LastActive)
	case TagChatBroadcast:
		c := m.ChatBroadcast
		w.PutString(c.ProjectID)
		w.PutString(c.PeerID)
		w.PutString(c.PeerName)
		w.PutString(c.Content)
		w.PutI64(c.Timestamp)
	case TagChatHistory:
		ch := m.ChatHistory
		w.PutString(ch.ProjectID)
		w.PutU32(uint32(len(ch.Messages)))
		for _, e := range ch.Messages {
			w.PutString(e.PeerID)
			w.PutString(e.DisplayName)
			w.PutString(e.Content)
			w.PutI64(e.Timestamp)
		}
	case TagVoiceToken:
		v := m.VoiceToken
		w.PutString(v.ProjectID)
		w.PutString(v.Token)
		w.PutString(v.RoomName)
		w.PutString(v.ServerURL)
	case TagPong:
		w.PutU64(m.Pong.Timestamp)
		w.PutI64(m.Pong.ServerTime)
	case TagStats:
		s := m.Stats
		w.PutU32(s.ActiveProjects)
		w.PutU32(s.ActivePeers)
		w.PutU64(s.UptimeSeconds)
	}
	return w.Bytes()
}

// DecodeServer decodes a server->client message payload.
func DecodeServer(payload []byte) (ServerMessage, error) {
	r := NewReader(payload)
	tag, err := r.GetU32()
	if err != nil {
		return ServerMessage{}, err
	}
	var m ServerMessage
	m.Tag = tag
	switch tag {
	case TagWelcome:
		wl := &Welcome{}
		if wl.ProtocolVersion, err = r.GetU8(); err != nil {
			return m, err
		}
		if wl.PeerID, err = r.GetString(); err != nil {
			return m, err
		}
		if wl.Color, err = r.GetString(); err != nil {
			return m, err
		}
		if wl.SessionToken, err = r.GetString(); err != nil {
			return m, err
		}
		if wl.ServerTime, err = r.GetI64(); err != nil {
			return m, err
		}
		m.Welcome = wl
	case TagError:
		e := &ServerError{}
		code, err2 := r.GetU16()
		if err2 != nil {
			return m, err2
		}
		e.Code = ErrorCode(code)
		if e.Message, err = r.GetString(); err != nil {
			return m, err
		}
		if e.ProjectID, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.Error = e
	case TagServerGoodbye:
		g := &ServerGoodbye{}
		if g.Reason, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.Goodbye = g
	case TagProjectJoined:
		pj := &ProjectJoined{}
		if pj.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		n, err2 := r.GetU32()
		if err2 != nil {
			return m, err2
		}
		pj.Peers = make([]PeerInfo, 0, n)
		for i := uint32(0); i < n; i++ {
			p, err3 := getPeerInfo(r)
			if err3 != nil {
				return m, err3
			}
			pj.Peers = append(pj.Peers, p)
		}
		present, err2b := r.GetOptionPresent()
		if err2b != nil {
			return m, err2b
		}
		if present {
			if pj.DocumentState, err = r.GetBytes(); err != nil {
				return m, err
			}
		}
		m.ProjectJoined = pj
	case TagPeerJoined:
		pj := &PeerJoined{}
		if pj.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if pj.Peer, err = getPeerInfo(r); err != nil {
			return m, err
		}
		m.PeerJoined = pj
	case TagProjectLeft:
		pl := &ProjectLeft{}
		if pl.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		m.ProjectLeft = pl
	case TagPeerLeft:
		pl := &PeerLeft{}
		if pl.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if pl.PeerID, err = r.GetString(); err != nil {
			return m, err
		}
		if pl.Reason, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.PeerLeft = pl
	case TagServerSyncMessage:
		sm := &ServerSyncMessage{}
		if sm.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if sm.SyncData, err = r.GetBytes(); err != nil {
			return m, err
		}
		if sm.FromPeer, err = r.GetOptionString(); err != nil {
			return m, err
		}
		m.SyncMessage = sm
	case TagSyncComplete:
		sc := &SyncComplete{}
		if sc.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		m.SyncComplete = sc
	case TagFileContent:
		fc := &FileContent{}
		if fc.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if fc.FilePath, err = r.GetString(); err != nil {
			return m, err
		}
		if fc.Content, err = r.GetString(); err != nil {
			return m, err
		}
		if fc.Language, err = r.GetString(); err != nil {
			return m, err
		}
		if fc.Version, err = r.GetU64(); err != nil {
			return m, err
		}
		m.FileContent = fc
	case TagFileNotFound:
		fn := &FileNotFound{}
		if fn.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if fn.FilePath, err = r.GetString(); err != nil {
			return m, err
		}
		m.FileNotFound = fn
	case TagCursorBroadcast:
		c := &CursorBroadcast{}
		if c.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.PeerID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.PeerName, err = r.GetString(); err != nil {
			return m, err
		}
		if c.PeerColor, err = r.GetString(); err != nil {
			return m, err
		}
		if c.FilePath, err = r.GetString(); err != nil {
			return m, err
		}
		if c.Line, err = r.GetU32(); err != nil {
			return m, err
		}
		if c.Column, err = r.GetU32(); err != nil {
			return m, err
		}
		present, err2 := r.GetOptionPresent()
		if err2 != nil {
			return m, err2
		}
		if present {
			se := &SelectionEnd{}
			if se.Line, err = r.GetU32(); err != nil {
				return m, err
			}
			if se.Column, err = r.GetU32(); err != nil {
				return m, err
			}
			c.SelectionEnd = se
		}
		m.CursorBroadcast = c
	case TagPresenceBroadcast:
		p := &PresenceBroadcast{}
		if p.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if p.PeerID, err = r.GetString(); err != nil {
			return m, err
		}
		if p.PeerName, err = r.GetString(); err != nil {
			return m, err
		}
		status, err2 := r.GetU8()
		if err2 != nil {
			return m, err2
		}
		p.Status = Status(status)
		if p.ActiveFile, err = r.GetOptionString(); err != nil {
			return m, err
		}
		if p.LastActive, err = r.GetI64(); err != nil {
			return m, err
		}
		m.PresenceBroadcast = p
	case TagChatBroadcast:
		c := &ChatBroadcast{}
		if c.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.PeerID, err = r.GetString(); err != nil {
			return m, err
		}
		if c.PeerName, err = r.GetString(); err != nil {
			return m, err
		}
		if c.Content, err = r.GetString(); err != nil {
			return m, err
		}
		if c.Timestamp, err = r.GetI64(); err != nil {
			return m, err
		}
		m.ChatBroadcast = c
	case TagChatHistory:
		ch := &ChatHistory{ProjectID: ""}
		if ch.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		n, err2 := r.GetU32()
		if err2 != nil {
			return m, err2
		}
		ch.Messages = make([]ChatEntryWire, 0, n)
		for i := uint32(0); i < n; i++ {
			var e ChatEntryWire
			if e.PeerID, err = r.GetString(); err != nil {
				return m, err
			}
			if e.DisplayName, err = r.GetString(); err != nil {
				return m, err
			}
			if e.Content, err = r.GetString(); err != nil {
				return m, err
			}
			if e.Timestamp, err = r.GetI64(); err != nil {
				return m, err
			}
			ch.Messages = append(ch.Messages, e)
		}
		m.ChatHistory = ch
	case TagVoiceToken:
		v := &VoiceToken{}
		if v.ProjectID, err = r.GetString(); err != nil {
			return m, err
		}
		if v.Token, err = r.GetString(); err != nil {
			return m, err
		}
		if v.RoomName, err = r.GetString(); err != nil {
			return m, err
		}
		if v.ServerURL, err = r.GetString(); err != nil {
			return m, err
		}
		m.VoiceToken = v
	case TagPong:
		p := &Pong{}
		if p.Timestamp, err = r.GetU64(); err != nil {
			return m, err
		}
		if p.ServerTime, err = r.GetI64(); err != nil {
			return m, err
		}
		m.Pong = p
	case TagStats:
		s := &Stats{}
		if s.ActiveProjects, err = r.GetU32(); err != nil {
			return m, err
		}
		if s.ActivePeers, err = r.GetU32(); err != nil {
			return m, err
		}
		if s.UptimeSeconds, err = r.GetU64(); err != nil {
			return m, err
		}
		m.Stats = s
	default:
		return m, ErrUnknownTag{Tag: tag}
	}
	return m, nil
}
