// Package xdgportal talks to the freedesktop desktop portal over the session
// bus. Only the pieces needed to grab still screenshots are implemented.
package xdgportal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"

	requestInterface = CallBaseName + ".Request"
	responseMember   = "Response"
	requestCloseName = requestInterface + ".Close"
)

var (
	ErrUnexpectedResponse = errors.New("unexpected response from dbus")
	ErrNoUniqueName       = errors.New("session bus connection has no unique name")
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
)

func fromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

func fromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

// Portal is a handle on the desktop portal service.
type Portal struct {
	conn *dbus.Conn
}

// Connect uses the shared session bus connection.
func Connect() (*Portal, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("xdgportal: session bus: %w", err)
	}
	return &Portal{conn: conn}, nil
}

func (p *Portal) call(callName string, args ...any) (any, error) {
	obj := p.conn.Object(ObjectName, ObjectPath)
	call := obj.Call(callName, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}

	var result any
	err := call.Store(&result)
	return result, err
}

func (p *Portal) getUint32Property(iface, property string) (uint32, error) {
	value, err := p.call(PropertiesGetName, iface, property)
	if err != nil {
		return 0, err
	}

	if v, ok := value.(dbus.Variant); ok {
		value = v.Value()
	}
	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

// GenerateToken returns a handle token unique enough for one connection.
func GenerateToken() string {
	str := strings.Builder{}
	str.WriteString("recordscreen")
	a, _ := rand.Int(rand.Reader, big.NewInt(1<<32))
	str.WriteString(strconv.FormatUint(a.Uint64(), 16))
	return str.String()
}

// RequestPath predicts the object path the portal will use for a request
// created by sender with the given handle token.
func RequestPath(sender, token string) (dbus.ObjectPath, error) {
	sender = strings.TrimPrefix(sender, ":")
	if sender == "" {
		return "", ErrNoUniqueName
	}
	sender = strings.ReplaceAll(sender, ".", "_")
	return dbus.ObjectPath(ObjectPath + "/request/" + sender + "/" + token), nil
}

func (p *Portal) uniqueName() string {
	names := p.conn.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}
