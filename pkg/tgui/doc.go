// Package tgui formats Telegram messages in HTML parse mode.
package tgui
