package homedb

// Permission nodes consulted by the engine.
const (
	PermHome           = "hyperhomes.home"
	PermSetHome        = "hyperhomes.sethome"
	PermShare          = "hyperhomes.share"
	PermBypassCooldown = "hyperhomes.bypass.cooldown"
	PermBypassWarmup   = "hyperhomes.bypass.warmup"
	PermLimitPrefix    = "hyperhomes.limit."
	PermLimitUnlimited = "hyperhomes.limit.unlimited"
)

// Permissions answers permission questions about a player.
type Permissions interface {
	HasPermission(player PlayerID, node string) bool
	// HighestLimit returns the largest numeric hyperhomes.limit.<n> node
	// granted to the player, if any.
	HighestLimit(player PlayerID) (int, bool)
}

// WorldQuery reads world state.
type WorldQuery interface {
	IsSafe(world string, pos Position) bool
	CurrentLocation(player PlayerID) (Location, bool)
	BedPosition(player PlayerID) (Position, bool)
}

// WorldMover performs the actual relocation of a player.
type WorldMover interface {
	MoveTo(player PlayerID, world string, pos Position) error
}

// Persistence is the durable home record store.
type Persistence interface {
	LoadAll() ([]PlayerHomeSet, error)
	Save(set PlayerHomeSet) error
	Delete(player PlayerID) error
	LoadShares() ([]ShareGrant, error)
	SaveShares(owner PlayerID, grantees []PlayerID) error
	Close() error
}
