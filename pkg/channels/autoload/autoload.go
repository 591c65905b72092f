// Package autoload registers every built-in Channel factory via blank
// import side effects, so main only needs one import to pull in the whole
// channel set instead of naming each adapter subpackage individually.
package autoload

import (
	_ "openvia/pkg/channels/telegram"
	_ "openvia/pkg/channels/web"
)
