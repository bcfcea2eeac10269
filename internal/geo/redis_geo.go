package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-rides/internal/models"
)

// RedisIndex implements Index on Redis GEO commands plus a per-driver
// metadata hash, so presence survives process restarts and is shared
// across server instances.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) SetPresence(driverID string, online bool, loc *models.Coord) {
	if loc != nil {
		_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
			Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID,
		}).Result()
	}
	_ = r.client.HSet(r.ctx, presenceKey(driverID), map[string]interface{}{
		"online":  strconv.FormatBool(online),
		"updated": time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) UpdatePosition(driverID string, loc models.Coord) {
	if !r.isOnline(driverID) {
		return
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID,
	}).Result()
	_ = r.client.HSet(r.ctx, presenceKey(driverID), "updated", time.Now().Format(time.RFC3339)).Err()
}

func (r *RedisIndex) FindNearby(point models.Coord, radiusKm float64, limit int) []models.Presence {
	res, err := r.client.GeoRadius(r.ctx, r.key, point.Lon, point.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Count: limit,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Presence, 0, len(res))
	for _, g := range res {
		if !r.isOnline(g.Name) {
			continue
		}
		out = append(out, models.Presence{
			DriverID: g.Name,
			Online:   true,
			Loc:      models.Coord{Lat: g.Latitude, Lon: g.Longitude},
		})
	}
	return out
}

func (r *RedisIndex) OnlineDrivers() []string {
	var out []string
	iter := r.client.Scan(r.ctx, 0, presenceKey("*"), 0).Iterator()
	for iter.Next(r.ctx) {
		key := iter.Val()
		if v, err := r.client.HGet(r.ctx, key, "online").Result(); err == nil && v == "true" {
			out = append(out, key[len(presencePrefix):])
		}
	}
	return out
}

func (r *RedisIndex) isOnline(driverID string) bool {
	v, err := r.client.HGet(r.ctx, presenceKey(driverID), "online").Result()
	return err == nil && v == "true"
}

const presencePrefix = "driver:presence:"

func presenceKey(id string) string { return presencePrefix + id }
