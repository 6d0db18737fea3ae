// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and validates the application configuration.
//
// Configuration comes from a TOML file with built-in defaults and
// HFP_* environment variable overrides layered on top. The file can be
// watched for changes; edits take effect without a restart for the
// settings that support it.
package config
