package xdgportal

import (
	"fmt"
	"net/url"

	"github.com/godbus/dbus/v5"
)

const (
	screenshotInterface = CallBaseName + ".Screenshot"
	screenshotName      = screenshotInterface + ".Screenshot"
)

type ScreenshotOptions struct {
	HandleToken string
	Interactive bool
	Modal       bool
}

// ScreenshotVersion reports the Screenshot interface version; an error means
// the portal (or the interface) is not reachable.
func (p *Portal) ScreenshotVersion() (uint32, error) {
	return p.getUint32Property(screenshotInterface, "version")
}

// Screenshot asks the portal for a screenshot. The returned request completes
// asynchronously; use ScreenshotURI on its Response.
func (p *Portal) Screenshot(parentWindow string, options *ScreenshotOptions) (*Request, error) {
	opts := ScreenshotOptions{}
	if options != nil {
		opts = *options
	}
	if opts.HandleToken == "" {
		opts.HandleToken = GenerateToken()
	}

	path, err := RequestPath(p.uniqueName(), opts.HandleToken)
	if err != nil {
		return nil, err
	}
	// Subscribe before calling so a fast Response cannot be missed.
	req, err := p.watchRequest(path)
	if err != nil {
		return nil, err
	}

	data := map[string]dbus.Variant{
		"handle_token": fromString(opts.HandleToken),
		"interactive":  fromBool(opts.Interactive),
	}
	if opts.Modal {
		data["modal"] = fromBool(true)
	}

	result, err := p.call(screenshotName, parentWindow, data)
	if err != nil {
		req.release()
		return nil, err
	}
	handle, ok := result.(dbus.ObjectPath)
	if !ok {
		req.release()
		return nil, fmt.Errorf("Screenshot returned unexpected type %T", result)
	}
	if handle != path {
		// Portals older than version 0.9 ignore handle_token.
		req.release()
		return p.watchRequest(handle)
	}
	return req, nil
}

// ScreenshotURI extracts the local file path from a successful response.
func ScreenshotURI(resp Response) (string, error) {
	if resp.Err != nil {
		return "", resp.Err
	}
	if resp.Status != Success {
		return "", fmt.Errorf("screenshot request ended with status %d", resp.Status)
	}
	v, ok := resp.Results["uri"]
	if !ok {
		return "", fmt.Errorf("%w: screenshot response missing uri", ErrUnexpectedResponse)
	}
	raw, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("%w: uri has type %T", ErrUnexpectedResponse, v.Value())
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("screenshot uri %q: %w", raw, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("screenshot uri %q: unsupported scheme", raw)
	}
	return u.Path, nil
}
