package catalogue

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// SessionType discriminates the session variants in the catalogue document.
type SessionType string

const (
	TypeSSH   SessionType = "Ssh"
	TypeLocal SessionType = "Local"
	// TypeK8s execs a shell in a Kubernetes pod container.
	TypeK8s SessionType = "K8s"
	// TypeSsm opens an AWS Systems Manager session to a managed instance.
	TypeSsm SessionType = "Ssm"
)

// DefaultNamespace is used for K8s sessions that name none.
const DefaultNamespace = "default"

// Auth types for SSH sessions.
const (
	AuthPassword   = "Password"
	AuthPrivateKey = "PrivateKey"
	AuthAgent      = "Agent"
)

const DefaultPort = 22

// Group organises sessions into a tree.
type Group struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	ParentID *string `json:"parent_id"`
	Color    *string `json:"color"`
}

// NewGroup returns a top-level group with a fresh id.
func NewGroup(name string) Group {
	return Group{ID: uuid.NewString(), Name: name}
}

// Auth describes how an SSH session authenticates. Secrets are never part
// of it; they live in the credential store.
type Auth struct {
	Type string `json:"type"`
	// Path is the private key file for PrivateKey auth.
	Path string `json:"path,omitempty"`
	// UseKeychain records that the secret is kept in the credential store.
	UseKeychain bool `json:"use_keychain"`
}

// Session is one catalogue entry. Fields after the common block apply to a
// single SessionType; the document stores them flat next to session_type.
type Session struct {
	Type     SessionType `json:"session_type"`
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	GroupID  *string     `json:"group_id"`
	ColorTag *string     `json:"color_tag,omitempty"`

	// Ssh
	Host        string  `json:"host,omitempty"`
	Port        int     `json:"port,omitempty"`
	Username    string  `json:"username,omitempty"`
	Auth        *Auth   `json:"auth,omitempty"`
	ColorScheme *string `json:"color_scheme,omitempty"`

	// Local (Shell also overrides the command run in a K8s container)
	Shell      *string           `json:"shell,omitempty"`
	WorkingDir *string           `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`

	// K8s
	Context   string  `json:"context,omitempty"`
	Namespace string  `json:"namespace,omitempty"`
	Pod       string  `json:"pod,omitempty"`
	Container *string `json:"container,omitempty"`

	// Ssm
	InstanceID string  `json:"instance_id,omitempty"`
	Region     *string `json:"region,omitempty"`
	Profile    *string `json:"profile,omitempty"`
}

// NewSSHSession returns an SSH session with password auth and a fresh id.
func NewSSHSession(name, host string, port int, username string) Session {
	return Session{
		Type:     TypeSSH,
		ID:       uuid.NewString(),
		Name:     name,
		Host:     host,
		Port:     port,
		Username: username,
		Auth:     &Auth{Type: AuthPassword},
	}
}

// NewLocalSession returns a local shell session with a fresh id.
func NewLocalSession(name string) Session {
	return Session{Type: TypeLocal, ID: uuid.NewString(), Name: name}
}

// NewK8sSession returns a pod exec session with a fresh id.
func NewK8sSession(name, kubeContext, namespace, pod string) Session {
	return Session{
		Type:      TypeK8s,
		ID:        uuid.NewString(),
		Name:      name,
		Context:   kubeContext,
		Namespace: namespace,
		Pod:       pod,
	}
}

// NewSsmSession returns an SSM session with a fresh id.
func NewSsmSession(name, instanceID string) Session {
	return Session{Type: TypeSsm, ID: uuid.NewString(), Name: name, InstanceID: instanceID}
}

// IsRemote reports whether opening the session goes over the network, and
// so passes through a connecting phase.
func (s Session) IsRemote() bool { return s.Type != TypeLocal }

// IsSSH reports whether the session speaks SSH, which file transfer needs.
func (s Session) IsSSH() bool { return s.Type == TypeSSH }

// Supported reports whether t is a session type this build can open.
func (t SessionType) Supported() bool {
	switch t {
	case TypeSSH, TypeLocal, TypeK8s, TypeSsm:
		return true
	}
	return false
}

// Address is host:port for SSH sessions.
func (s Session) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Document is the persisted catalogue.
type Document struct {
	Groups   []Group   `json:"groups"`
	Sessions []Session `json:"sessions"`
}

// normalize fills defaults and checks required fields.
func (s *Session) normalize() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSession)
	}
	if s.GroupID != nil && *s.GroupID == "" {
		s.GroupID = nil
	}

	switch s.Type {
	case TypeSSH:
		s.Host = strings.TrimSpace(s.Host)
		if s.Host == "" {
			return fmt.Errorf("%w: host is required", ErrInvalidSession)
		}
		if s.Username == "" {
			return fmt.Errorf("%w: username is required", ErrInvalidSession)
		}
		if s.Port == 0 {
			s.Port = DefaultPort
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidSession, s.Port)
		}
		if s.Auth == nil {
			s.Auth = &Auth{Type: AuthPassword}
		}
		switch s.Auth.Type {
		case AuthPassword, AuthAgent:
		case AuthPrivateKey:
			if s.Auth.Path == "" {
				return fmt.Errorf("%w: private key path is required", ErrInvalidSession)
			}
		default:
			return fmt.Errorf("%w: unknown auth type %q", ErrInvalidSession, s.Auth.Type)
		}
	case TypeLocal:
	case TypeK8s:
		s.Pod = strings.TrimSpace(s.Pod)
		if s.Pod == "" {
			return fmt.Errorf("%w: pod is required", ErrInvalidSession)
		}
		if s.Namespace == "" {
			s.Namespace = DefaultNamespace
		}
		if s.Container != nil && *s.Container == "" {
			s.Container = nil
		}
	case TypeSsm:
		s.InstanceID = strings.TrimSpace(s.InstanceID)
		if s.InstanceID == "" {
			return fmt.Errorf("%w: instance id is required", ErrInvalidSession)
		}
	default:
		return fmt.Errorf("%w: unknown session type %q", ErrInvalidSession, s.Type)
	}
	return nil
}

func (g Group) clone() Group {
	g.ParentID = cloneStr(g.ParentID)
	g.Color = cloneStr(g.Color)
	return g
}

func (s Session) clone() Session {
	s.GroupID = cloneStr(s.GroupID)
	s.ColorTag = cloneStr(s.ColorTag)
	s.ColorScheme = cloneStr(s.ColorScheme)
	s.Shell = cloneStr(s.Shell)
	s.WorkingDir = cloneStr(s.WorkingDir)
	s.Container = cloneStr(s.Container)
	s.Region = cloneStr(s.Region)
	s.Profile = cloneStr(s.Profile)
	if s.Auth != nil {
		a := *s.Auth
		s.Auth = &a
	}
	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		s.Env = env
	}
	return s
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func strEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// StrPtr returns a pointer to s, or nil for the empty string.
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
