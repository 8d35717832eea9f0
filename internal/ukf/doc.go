// Package ukf implements an Unscented Kalman Filter that tracks a single
// object moving under the constant turn-rate and velocity (CTRV) model from
// asynchronous lidar and radar observations.
//
// State vector: [px, py, v, yaw, yaw_rate]. The filter augments the state
// with two process-noise terms (longitudinal and yaw acceleration), draws
// 2*AugDim+1 sigma points from the augmented covariance, propagates them
// through the CTRV dynamics and reconstructs the predicted mean and
// covariance. Lidar observations are fused with a linear Kalman update;
// radar observations are mapped through the nonlinear polar measurement
// model using the cached predicted sigma points.
//
// A Filter is not safe for concurrent use. Run one Filter per tracked object.
package ukf
