// Copyright (C) The Matchfleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatch

// sceneForGameMode maps each recognized game mode to the engine scene
// the worker loads for it. A request whose gameMode is not a key here
// is invalid. The set is closed; adding a mode means shipping new
// worker images too.
var sceneForGameMode = map[string]string{
	"VersusMen_Online":     "Arena_Online",
	"VersusMen_Ranked":     "Arena_Ranked",
	"VersusMen_Duel":       "Arena_Duel",
	"VersusMen_Practice":   "Arena_Practice",
	"VersusMen_Tournament": "Arena_Tournament",
}
