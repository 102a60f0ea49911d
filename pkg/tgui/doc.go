// Package tgui provides small chat UI helpers: inline keyboard builders,
// callback data helpers ("scope:action:payload") and HTML-safe text.
package tgui
